package ikc

import (
	"sort"
	"strconv"
	"strings"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"k8s.io/utils/cpuset"
)

// Parse reads a map written as "<cpu list>:<host cpu>" sections joined by
// "+", e.g. "2-3:0+4-5:1".
func Parse(s string) ([]Route, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var routes []Route

	for _, section := range strings.Split(s, "+") {
		srcs, dst, ok := strings.Cut(section, ":")
		if !ok {
			return nil, errors.Wrapf(lwk.ErrInvalidArgument, "ikc section %q has no destination", section)
		}

		set, err := cpuset.Parse(strings.TrimSpace(srcs))
		if err != nil {
			return nil, lwk.Mark(err, lwk.ErrInvalidArgument, "ikc section "+section)
		}

		d, err := strconv.ParseUint(strings.TrimSpace(dst), 10, 32)
		if err != nil {
			return nil, lwk.Mark(err, lwk.ErrInvalidArgument, "ikc section "+section)
		}

		for _, src := range set.List() {
			routes = append(routes, Route{Src: uint32(src), Dst: uint32(d)})
		}
	}

	sortRoutes(routes)

	return routes, nil
}

// Format writes routes in the syntax read by Parse, one section per
// destination in increasing order.
func Format(routes []Route) string {
	bySrc := make(map[uint32][]int)
	for _, rt := range routes {
		bySrc[rt.Dst] = append(bySrc[rt.Dst], int(rt.Src))
	}

	dsts := make([]uint32, 0, len(bySrc))
	for d := range bySrc {
		dsts = append(dsts, d)
	}

	sort.Slice(dsts, func(i, j int) bool { return dsts[i] < dsts[j] })

	sections := make([]string, len(dsts))
	for i, d := range dsts {
		sections[i] = cpuset.New(bySrc[d]...).String() + ":" + strconv.FormatUint(uint64(d), 10)
	}

	return strings.Join(sections, "+")
}
