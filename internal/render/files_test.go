package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reset.yaml"), []byte(
		"version: 2\nsubject: Reset for {{ name }}\nhtml: <a href=\"{{ url }}\">reset</a>\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	src, err := LoadDir(dir)
	require.NoError(t, err)

	tpl, err := src.GetTemplate(context.Background(), "reset")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)

	out, err := NewLiquidRenderer(src).Render(context.Background(), "reset", map[string]any{"name": "Ada", "url": "https://x.example"})
	require.NoError(t, err)
	assert.Equal(t, "Reset for Ada", out.Subject)
	assert.Equal(t, `<a href="https://x.example">reset</a>`, out.HTML)
}

func TestLoadDir_RejectsEmptyBody(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("subject: hi\n"), 0o600))
	_, err := LoadDir(dir)
	assert.Error(t, err)
}
