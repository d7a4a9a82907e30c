// Package sim is an in-process host: a page allocator per NUMA node, core
// operations, a topology, a monitor, and a peer kernel that reads the boot
// descriptor and reports its status through the shared status word. The CLI
// drives it from plan files and the tests use it as the collaborator of
// every package.
package sim
