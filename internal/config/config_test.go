package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  kind: serial
  serial_path: /dev/ttyACM0
identity:
  my_callsign: K0EPI-7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportSerial, cfg.Transport.Kind)
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.SerialPath)
	assert.Equal(t, "K0EPI-7", cfg.Identity.MyCallsign)
	assert.Equal(t, 5000, cfg.Retention.PacketRetention, "unset fields keep their defaults")
}

func TestFlagsOverrideConfig(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--host", "10.0.0.5", "--callsign", "N0CALL-2"}))

	cfg := Default()
	flags.Apply(&cfg)

	assert.Equal(t, "10.0.0.5", cfg.Transport.Host)
	assert.Equal(t, "N0CALL-2", cfg.Identity.MyCallsign)
}
