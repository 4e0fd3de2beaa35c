package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// Schedule is a parsed 5-field cron expression. Field values are kept as
// bitmasks; bit i set means value i is accepted.
type Schedule struct {
	expr string

	minutes uint64
	hours   uint64
	dom     uint64
	month   uint64
	dow     uint64

	// domStar / dowStar record whether the field was literally "*". When
	// both day fields are restricted the fire condition is their union.
	domStar bool
	dowStar bool
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse validates and compiles a cron expression. The accepted grammar per
// field is "*", a single value, a range "a-b" (a < b), a step "*/n" or
// "a-b/n", or a comma-separated list of those. Names (SUN, JAN) are not
// accepted; Sunday is 0.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	s := &Schedule{expr: expr}
	masks := [5]*uint64{&s.minutes, &s.hours, &s.dom, &s.month, &s.dow}
	for i, field := range fields {
		mask, err := parseField(field, fieldSpecs[i])
		if err != nil {
			return nil, err
		}
		*masks[i] = mask
	}
	s.domStar = fields[2] == "*"
	s.dowStar = fields[4] == "*"
	return s, nil
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expr
}

func parseField(field string, spec fieldSpec) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("%s field %q: empty list element", spec.name, field)
		}
		m, err := parsePart(part, spec)
		if err != nil {
			return 0, err
		}
		mask |= m
	}
	return mask, nil
}

func parsePart(part string, spec fieldSpec) (uint64, error) {
	body, step := part, 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		body = part[:idx]
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil {
			return 0, fmt.Errorf("%s field: invalid step %q", spec.name, part)
		}
		if n < 1 || n > spec.max {
			return 0, fmt.Errorf("%s field: step %d out of range 1..%d", spec.name, n, spec.max)
		}
		if body != "*" && !strings.ContainsRune(body, '-') {
			return 0, fmt.Errorf("%s field: step requires \"*\" or a range, got %q", spec.name, part)
		}
		step = n
	}

	lo, hi := spec.min, spec.max
	switch {
	case body == "*":
		// full range
	case strings.ContainsRune(body, '-'):
		bounds := strings.SplitN(body, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil {
			return 0, fmt.Errorf("%s field: invalid range %q", spec.name, part)
		}
		if a < spec.min || b > spec.max {
			return 0, fmt.Errorf("%s field: range %q out of %d..%d", spec.name, part, spec.min, spec.max)
		}
		if a >= b {
			return 0, fmt.Errorf("%s field: range %q must have start < end", spec.name, part)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(body)
		if err != nil {
			return 0, fmt.Errorf("%s field: invalid value %q", spec.name, part)
		}
		if v < spec.min || v > spec.max {
			return 0, fmt.Errorf("%s field: value %d out of range %d..%d", spec.name, v, spec.min, spec.max)
		}
		lo, hi = v, v
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

// values lists the set bits of a mask within [min, max], used by Describe.
func values(mask uint64, min, max int) []int {
	var out []int
	for v := min; v <= max; v++ {
		if has(mask, v) {
			out = append(out, v)
		}
	}
	return out
}
