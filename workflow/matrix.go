package workflow

import (
	"sort"
	"strings"
)

// Matrix fans a stage out into one job per combination of axis
// values. Axis order in the file is irrelevant: expansion walks axes
// in sorted order so the same definition always yields the same
// variant list.
type Matrix map[string][]string

// Variant is one point in the matrix cross product: axis -> value.
// The zero-length variant is valid and describes the single job of an
// unmatrixed stage.
type Variant map[string]string

// Axes returns the axis names in sorted order.
func (m Matrix) Axes() []string {
	axes := make([]string, 0, len(m))
	for axis := range m {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	return axes
}

// Variants expands the cross product. An empty matrix expands to
// exactly one degenerate variant, so callers never special-case
// unmatrixed stages.
func (m Matrix) Variants() []Variant {
	variants := []Variant{{}}

	for _, axis := range m.Axes() {
		values := m[axis]
		next := make([]Variant, 0, len(variants)*len(values))
		for _, base := range variants {
			for _, value := range values {
				v := make(Variant, len(base)+1)
				for k, bv := range base {
					v[k] = bv
				}
				v[axis] = value
				next = append(next, v)
			}
		}
		variants = next
	}

	return variants
}

// Key returns the canonical encoding of a variant: axis=value pairs,
// axes sorted, comma separated. The degenerate variant encodes as "".
// Keys are stable across runs and double as the artifact namespace.
func (v Variant) Key() string {
	if len(v) == 0 {
		return ""
	}

	axes := make([]string, 0, len(v))
	for axis := range v {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	parts := make([]string, 0, len(axes))
	for _, axis := range axes {
		parts = append(parts, axis+"="+v[axis])
	}
	return strings.Join(parts, ",")
}

// SharedAxesMatch reports whether two variants agree on every axis
// they both define. Variants with no axes in common trivially match.
func (v Variant) SharedAxesMatch(other Variant) bool {
	for axis, value := range v {
		if ov, ok := other[axis]; ok && ov != value {
			return false
		}
	}
	return true
}
