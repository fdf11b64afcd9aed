package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fileConfig struct{ path string }

func (f fileConfig) GetLevel() string  { return "warn" }
func (f fileConfig) GetOutput() string { return "file" }
func (f fileConfig) GetFile() string   { return f.path }

func TestInit_FileOutput(t *testing.T) {
	original := defaultLogger
	t.Cleanup(func() { defaultLogger = original })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init(fileConfig{path: path}))

	Info("dropped below level %d", 1)
	Warn("chain submission %s unconfirmed", "0xabc")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chain submission 0xabc unconfirmed")
	assert.NotContains(t, string(data), "dropped below level")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("DEBUG"))
	assert.Equal(t, WARN, ParseLogLevel("warning"))
	assert.Equal(t, INFO, ParseLogLevel("verbose"))
}

func TestNewWithLumberjackConfig_RequiresFile(t *testing.T) {
	_, err := NewWithLumberjackConfig(INFO, LumberjackConfig{})
	assert.Error(t, err)
}
