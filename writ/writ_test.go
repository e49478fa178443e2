package writ

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIsRequiredBeforeParse(t *testing.T) {
	muteLogs()
	p, err := NewDevcontainerParser(filepath.Join("testdata", "devcontainer.json"))
	require.NoError(t, err)

	// Parsing without a successful validation run is refused.
	assert.False(t, p.IsValidConfig)
	assert.Error(t, p.Parse())

	require.NoError(t, p.Validate())
	assert.True(t, p.IsValidConfig)
	assert.NoError(t, p.Parse())
}

func TestStandardizeRejectsBrokenJSON(t *testing.T) {
	muteLogs()
	brokenPath := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(brokenPath, []byte(`{"name": "unterminated`), 0o644))

	_, err := NewParser(brokenPath)
	assert.Error(t, err)
}

func TestStandardizeAcceptsJSONC(t *testing.T) {
	muteLogs()
	jsoncPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(jsoncPath, []byte(`{
		// comment
		"name": "ok", /* block comment */
	}`), 0o644))

	_, err := NewParser(jsoncPath)
	assert.NoError(t, err)
}

func TestValidateFlagsSchemaViolations(t *testing.T) {
	muteLogs()
	badPath := filepath.Join(t.TempDir(), "devcontainer.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"shutdownAction": "explode"}`), 0o644))

	p, err := NewDevcontainerParser(badPath)
	require.NoError(t, err)
	assert.Error(t, p.Validate())
	assert.False(t, p.IsValidConfig)
}
