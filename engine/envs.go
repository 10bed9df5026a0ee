package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type EnvVars []string

// names must hold after template expansion too, which is how a
// {version} that rendered to "18.1" inside a key gets caught before
// the shell sees it
var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var envNameSquashRe = regexp.MustCompile(`[^A-Z0-9_]`)

// ConstructEnvs converts a workflow environment map into a
// docker-friendly []string{"KEY=value", ...} slice. Keys come out
// sorted so resolving the same job twice builds the same slice.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dockerEnvs EnvVars
	for _, k := range keys {
		dockerEnvs = append(dockerEnvs, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// ValidateEnvNames rejects maps whose keys would not survive as
// environment variable names.
func ValidateEnvNames(envs map[string]string) error {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !envNameRe.MatchString(k) {
			return fmt.Errorf("%q: %w", k, ErrBadEnvName)
		}
	}
	return nil
}

// matrixEnvName maps a matrix axis onto the injected variable
// carrying its value, e.g. "llvm-version" -> "LOOM_MATRIX_LLVM_VERSION".
func matrixEnvName(axis string) string {
	return "LOOM_MATRIX_" + envNameSquashRe.ReplaceAllString(strings.ToUpper(axis), "_")
}
