package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	vars := map[string]string{
		"version":      "140",
		"version.full": "14.0",
		"matrix.os":    "linux",
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "no placeholders", in: "cargo build", want: "cargo build"},
		{name: "single placeholder", in: "llvm-{version.full}", want: "llvm-14.0"},
		{name: "placeholder in variable name", in: "LLVM_SYS_{version}_PREFIX", want: "LLVM_SYS_140_PREFIX"},
		{name: "matrix axis", in: "target-{matrix.os}", want: "target-linux"},
		{name: "escaped brace", in: "{{literal}", want: "{literal}"},
		{name: "unknown placeholder", in: "{matrix.arch}", wantErr: UnknownPlaceholder},
		{name: "unterminated", in: "oops-{version", wantErr: UnterminatedPlaceholder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.in, vars)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateVars(t *testing.T) {
	vars := TemplateVars(
		Variant{"os": "linux"},
		&Container{Image: "img:{version}", Version: "14.0"},
	)

	assert.Equal(t, "linux", vars["matrix.os"])
	assert.Equal(t, "140", vars["version"], "dots are stripped for use inside variable names")
	assert.Equal(t, "14.0", vars["version.full"])
}

func TestTemplateVarsWithoutContainer(t *testing.T) {
	vars := TemplateVars(Variant{"os": "linux"}, nil)
	assert.Equal(t, "linux", vars["matrix.os"])
	_, ok := vars["version"]
	assert.False(t, ok)
}

func TestExpandAllPropagatesKeyErrors(t *testing.T) {
	_, err := ExpandAll(map[string]string{"X_{nope}": "1"}, map[string]string{})
	assert.ErrorIs(t, err, UnknownPlaceholder)
}
