package docker

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/loom/engine"
)

func TestCollectScript(t *testing.T) {
	script := collectScript(map[string]string{
		"bin":       "target/release/app",
		".coverage": "*.profraw",
	})

	assert.Equal(t,
		"mkdir -p '/loom/artifacts/.coverage'\n"+
			"cp -r *.profraw '/loom/artifacts/.coverage' 2>/dev/null || true\n"+
			"mkdir -p '/loom/artifacts/bin'\n"+
			"cp -r target/release/app '/loom/artifacts/bin' 2>/dev/null || true\n",
		script)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestEnumerate(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "bin", "app"), []byte("binary"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dest, ".coverage"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, ".coverage", "a.info"), []byte("TN:\n"), 0644))

	got, err := enumerate(dest, map[string]string{"bin": "target/*", ".coverage": "*.info", "docs": "book/*"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, engine.CollectedArtifact{
		Name: ".coverage",
		Path: filepath.Join(dest, ".coverage", "a.info"),
		Size: 4,
	}, got[0])
	assert.Equal(t, engine.CollectedArtifact{
		Name: "bin",
		Path: filepath.Join(dest, "bin", "app"),
		Size: 6,
	}, got[1])
}

func TestStripANSI(t *testing.T) {
	var buf bytes.Buffer
	w := stripANSI(&buf)

	n, err := w.Write([]byte("\x1b[31merror:\x1b[0m mismatched types"))
	require.NoError(t, err)
	assert.Equal(t, len("\x1b[31merror:\x1b[0m mismatched types"), n)
	assert.Equal(t, "error: mismatched types", buf.String())
}
