package workflow

import (
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and parses a definition file from disk. It does not
// validate; callers decide whether to surface warnings or hard-fail
// on Validate's diagnostics.
func Load(path string) (Definition, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading definition: %w", err)
	}

	def, err := FromFile(filepath.Base(path), contents)
	if err != nil {
		return Definition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return def, nil
}
