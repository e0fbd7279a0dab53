package export

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openheat/nibe-mgmt/pkg/types"
)

const valueTolerance = 0.001

// RegisterFilter is the inclusion filter for one register type: either the
// literal marker "all", or a list of exact register ids and inclusive
// "start-end" ranges.
type RegisterFilter struct {
	all    bool
	ranges []registerRange
}

type registerRange struct {
	start int
	end   int
}

func (f *RegisterFilter) UnmarshalYAML(unmarshal func(any) error) error {
	var marker string
	if err := unmarshal(&marker); err == nil {
		if strings.EqualFold(marker, "all") {
			f.all = true
			return nil
		}
		return fmt.Errorf("unknown register filter marker %q", marker)
	}

	var entries []any
	if err := unmarshal(&entries); err != nil {
		return err
	}

	for _, e := range entries {
		r, err := parseRangeEntry(fmt.Sprint(e))
		if err != nil {
			return err
		}
		f.ranges = append(f.ranges, r)
	}

	return nil
}

func parseRangeEntry(entry string) (registerRange, error) {
	entry = strings.TrimSpace(entry)

	if start, end, found := strings.Cut(entry, "-"); found {
		s, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return registerRange{}, fmt.Errorf("invalid range start in %q", entry)
		}
		e, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return registerRange{}, fmt.Errorf("invalid range end in %q", entry)
		}
		return registerRange{start: s, end: e}, nil
	}

	id, err := strconv.Atoi(entry)
	if err != nil {
		return registerRange{}, fmt.Errorf("invalid register id %q", entry)
	}

	return registerRange{start: id, end: id}, nil
}

// Match reports whether the register id passes the filter. Boundaries are
// inclusive on both ends.
func (f *RegisterFilter) Match(registerID string) bool {
	if f == nil {
		return false
	}
	if f.all {
		return true
	}

	id, err := strconv.Atoi(registerID)
	if err != nil {
		return false
	}

	for _, r := range f.ranges {
		if id >= r.start && id <= r.end {
			return true
		}
	}

	return false
}

// ValueFilter suppresses sentinel readings. An entry matches when it equals
// the computed value's string form exactly, or when both sides parse as
// numbers within an absolute tolerance of 0.001.
type ValueFilter struct {
	entries []string
}

func NewValueFilter(entries []string) ValueFilter {
	return ValueFilter{entries: entries}
}

func (f *ValueFilter) UnmarshalYAML(unmarshal func(any) error) error {
	var entries []any
	if err := unmarshal(&entries); err != nil {
		return err
	}

	for _, e := range entries {
		f.entries = append(f.entries, fmt.Sprint(e))
	}

	return nil
}

func (f ValueFilter) Suppress(value float64) bool {
	formatted := strconv.FormatFloat(value, 'f', -1, 64)

	for _, entry := range f.entries {
		if entry == formatted {
			return true
		}
		if parsed, err := strconv.ParseFloat(entry, 64); err == nil {
			if math.Abs(value-parsed) <= valueTolerance {
				return true
			}
		}
	}

	return false
}

// Filter combines the per-register-type inclusion filters with the value
// suppression filter. Register types other than HOLDING and INPUT never
// pass.
type Filter struct {
	Holding        *RegisterFilter `yaml:"holding"`
	Input          *RegisterFilter `yaml:"input"`
	SuppressValues ValueFilter     `yaml:"suppressValues"`
}

func (f Filter) Pass(p types.PointSnapshot, computed float64) bool {
	var included bool

	switch p.RegisterType {
	case types.RegisterTypeHolding:
		included = f.Holding.Match(p.RegisterID)
	case types.RegisterTypeInput:
		included = f.Input.Match(p.RegisterID)
	default:
		return false
	}

	if !included {
		return false
	}

	return !f.SuppressValues.Suppress(computed)
}
