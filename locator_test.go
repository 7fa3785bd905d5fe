package clonecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySource(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantKind    SourceKind
		wantPath    string
		wantLocator string
		wantErr     bool
	}{
		{
			name:        "https URL",
			input:       "https://example.test/org/repo",
			wantKind:    SourceRemote,
			wantLocator: "https://example.test/org/repo",
		},
		{
			name:        "http URL",
			input:       "http://example.test/org/repo.git",
			wantKind:    SourceRemote,
			wantLocator: "http://example.test/org/repo.git",
		},
		{
			name:        "git scheme",
			input:       "git://example.test/org/repo.git",
			wantKind:    SourceRemote,
			wantLocator: "git://example.test/org/repo.git",
		},
		{
			name:        "ssh scheme",
			input:       "ssh://git@example.test/org/repo.git",
			wantKind:    SourceRemote,
			wantLocator: "ssh://git@example.test/org/repo.git",
		},
		{
			name:        "scp-like",
			input:       "git@example.test:org/repo.git",
			wantKind:    SourceRemote,
			wantLocator: "git@example.test:org/repo.git",
		},
		{
			name:        "bare host path",
			input:       "example.test/org/repo",
			wantKind:    SourceRemote,
			wantLocator: "https://example.test/org/repo",
		},
		{
			name:     "file URL",
			input:    "file:///srv/repos/thing",
			wantKind: SourceLocal,
			wantPath: "/srv/repos/thing",
		},
		{
			name:     "absolute path",
			input:    "/srv/repos/thing",
			wantKind: SourceLocal,
			wantPath: "/srv/repos/thing",
		},
		{
			name:     "relative path",
			input:    "./repos/thing",
			wantKind: SourceLocal,
			wantPath: "./repos/thing",
		},
		{
			name:     "parent relative path",
			input:    "../repos/thing",
			wantKind: SourceLocal,
			wantPath: "../repos/thing",
		},
		{
			name:     "bare name",
			input:    "somedir",
			wantKind: SourceLocal,
			wantPath: "somedir",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "file URL without path",
			input:   "file://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := ClassifySource(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, src.Kind)
			assert.Equal(t, tt.wantPath, src.Path)
			assert.Equal(t, tt.wantLocator, src.Locator)
		})
	}
}

func TestSourceString(t *testing.T) {
	local := Source{Kind: SourceLocal, Path: "/srv/repos/thing"}
	assert.Equal(t, "local:/srv/repos/thing", local.String())
	assert.True(t, local.IsLocal())

	remote := Source{Kind: SourceRemote, Locator: "https://example.test/org/repo"}
	assert.Equal(t, "remote:https://example.test/org/repo", remote.String())
	assert.False(t, remote.IsLocal())
}
