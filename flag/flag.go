package flag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/memory"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	var shift uint

	switch unit {
	case "G", "g":
		shift = 30
	case "M", "m":
		shift = 20
	case "K", "k":
		shift = 10
	case "":
	default:
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	if amt > uint64(math.MaxInt)>>shift {
		return -1, fmt.Errorf("%q:%w", s, strconv.ErrRange)
	}

	return int(amt) << shift, nil
}

// ParseAmount parses "all" or a size in megabytes by default.
func ParseAmount(s string) (memory.Amount, error) {
	if strings.EqualFold(s, "all") {
		return memory.All, nil
	}

	n, err := ParseSize(s, "m")
	if err != nil {
		return memory.Amount{}, err
	}

	return memory.Bytes(uint64(n)), nil
}

// Config carries the tunables of the host.
type Config struct {
	MaxOrder           uint          `help:"largest granule order asked from the host page allocator" default:"10"`
	MinChunkSize       string        `help:"smallest granule worth reserving" default:"128K"`
	MaxRatioAll        int           `help:"percentage of free host memory a reservation of all memory may take" default:"90"`
	ReserveTimeout     time.Duration `help:"how long a fixed-size reservation keeps retrying" default:"5s"`
	StatusInterval     time.Duration `help:"status poll interval" default:"10ms"`
	StatusTimeout      time.Duration `help:"status poll timeout" default:"10s"`
	ResetRetries       int           `help:"core reset attempts before a core is released anyway" default:"3"`
	IKCVectors         int           `name:"ikc-vectors" help:"host interrupt vectors for inter-kernel communication" default:"16"`
	DescriptorCapacity string        `help:"byte budget of a boot descriptor" default:"64K"`
}

// HostConfig converts c for host.New.
func (c Config) HostConfig() (host.Config, error) {
	minChunk, err := ParseSize(c.MinChunkSize, "k")
	if err != nil {
		return host.Config{}, fmt.Errorf("min chunk size: %w", err)
	}

	capacity, err := ParseSize(c.DescriptorCapacity, "k")
	if err != nil {
		return host.Config{}, fmt.Errorf("descriptor capacity: %w", err)
	}

	return host.Config{
		Memory:             memory.Config{MaxOrder: c.MaxOrder},
		CPU:                cpu.Config{ResetRetries: c.ResetRetries},
		MinChunkSize:       uint64(minChunk),
		MaxRatioAll:        c.MaxRatioAll,
		ReserveTimeout:     c.ReserveTimeout,
		StatusInterval:     c.StatusInterval,
		StatusTimeout:      c.StatusTimeout,
		IKCVectors:         c.IKCVectors,
		DescriptorCapacity: capacity,
	}, nil
}
