// Package lwk holds the vocabulary shared by every part of the partition
// manager: instance identifiers, NUMA node numbers and masks, physical
// addresses, the host topology contract, the error taxonomy and the
// package-level logger.
package lwk
