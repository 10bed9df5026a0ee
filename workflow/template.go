package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Definition strings may carry {name} placeholders: {version} from a
// container's pinned version, {matrix.<axis>} from the job's variant.
// Expansion is strict; an unknown or unterminated placeholder is an
// error rather than an empty substitution, so a typo can never leak
// an empty image tag or variable name into a live environment.

var (
	UnknownPlaceholder      error = errors.New("unknown placeholder")
	UnterminatedPlaceholder error = errors.New("unterminated placeholder")
)

// Expand substitutes every {name} in s from vars. "{{" escapes a
// literal brace.
func Expand(s string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}

		if i+1 < len(s) && s[i+1] == '{' {
			b.WriteByte('{')
			i += 2
			continue
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("%q: %w", s, UnterminatedPlaceholder)
		}

		name := s[i+1 : i+end]
		value, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("{%s}: %w", name, UnknownPlaceholder)
		}
		b.WriteString(value)
		i += end + 1
	}

	return b.String(), nil
}

// ExpandAll expands every value of in with the same vars, returning
// the first error encountered.
func ExpandAll(in map[string]string, vars map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		ek, err := Expand(k, vars)
		if err != nil {
			return nil, err
		}
		ev, err := Expand(v, vars)
		if err != nil {
			return nil, err
		}
		out[ek] = ev
	}
	return out, nil
}

func containsPlaceholder(s, name string) bool {
	return strings.Contains(s, "{"+name+"}")
}

// TemplateVars assembles the substitution set for one job: the
// variant's axes under matrix.<axis>, and the pinned container
// version (with a dot-stripped alias, the form toolchains embed in
// variable names) when one is declared.
func TemplateVars(variant Variant, container *Container) map[string]string {
	vars := make(map[string]string, len(variant)+2)
	for axis, value := range variant {
		vars["matrix."+axis] = value
	}
	if container != nil && container.Version != "" {
		vars["version"] = strings.ReplaceAll(container.Version, ".", "")
		vars["version.full"] = container.Version
	}
	return vars
}
