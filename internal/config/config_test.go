package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssmiss.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysNamedFieldsOnly(t *testing.T) {
	path := writeConfig(t, `{"serial_port": "/dev/ttyUSB0", "scanner_gain": 3.2}`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", s.SerialPort)
	assert.Equal(t, 3.2, s.ScannerGain)
	// Unnamed fields keep their defaults.
	assert.Equal(t, ":8080", s.Listen)
	assert.Equal(t, "scan_data.db", s.DBFile)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `{"serial": "/dev/ttyUSB0"}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestApplyEmptyConfigIsIdentity(t *testing.T) {
	assert.Equal(t, Defaults(), Config{}.Apply(Defaults()))
}
