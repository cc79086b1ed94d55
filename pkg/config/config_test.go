package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "swd", cfg.Port)
	assert.Equal(t, flash.VerifyReadback, cfg.VerifyMode())
	assert.Equal(t, session.DefaultSupported, cfg.Firmware)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
probe: sim:bench
port: JTAG
clock: 1000000
timeout: 500ms
flash:
  chunk_size: 256
  retries: 0
  verify: checksum
supported_firmware:
  - min: "2.0.0"
driver:
  search_paths: [/srv/jlink]
  min_version: V7.80
trace: /tmp/otprobe.cbor
`))
	require.NoError(t, err)
	assert.Equal(t, "sim:bench", cfg.Probe)
	assert.Equal(t, uint32(1_000_000), cfg.Clock)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 256, cfg.Flash.ChunkSize)
	require.NotNil(t, cfg.Flash.Retries)
	assert.Equal(t, 0, *cfg.Flash.Retries)
	assert.Equal(t, flash.VerifyChecksum, cfg.VerifyMode())
	assert.Equal(t, []session.VersionRange{{Min: "2.0.0"}}, cfg.Firmware)
	assert.Equal(t, []string{"/srv/jlink"}, cfg.Driver.SearchPaths)
	assert.Equal(t, "/tmp/otprobe.cbor", cfg.Trace)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().HaltTimeout, cfg.HaltTimeout)
	assert.Equal(t, flash.DefaultReadyTimeout, cfg.Flash.ReadyTimeout)

	assert.Len(t, cfg.SessionOptions(), 4)
	assert.Len(t, cfg.FlashOptions(), 3)
	assert.Len(t, cfg.DiagOptions(), 2)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"port", "port: uart", "port"},
		{"clock", "clock: 0", "clock"},
		{"chunk", "flash: {chunk_size: 6}", "chunk_size"},
		{"retries", "flash: {retries: -1}", "retries"},
		{"verify", "flash: {verify: crc}", "verify"},
		{"range", "supported_firmware: [{min: '3.0.0', max: '2.0.0'}]", "supported_firmware[0]"},
		{"driver", "driver: {min_version: latest}", "min_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("probe: sim:default\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim:default", cfg.Probe)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("port: [swd"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, path)
}

func TestDeviceDB(t *testing.T) {
	db, err := Default().DeviceDB()
	require.NoError(t, err)
	_, ok := db.LookupName("nRF52832")
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "devices.desc")
	require.NoError(t, os.WriteFile(path, []byte(`
family "Bench" {
    port swd
    partreg 0x10000100
    nvmc 0x4001E000
    device "bench1" part 0x42 {
        flash "code" start 0 size 4K sector 1K
        ram start 0x20000000 size 4K
    }
}`), 0o644))
	cfg := Default()
	cfg.Devices = path
	db, err = cfg.DeviceDB()
	require.NoError(t, err)
	_, ok = db.LookupName("bench1")
	assert.True(t, ok)
	_, ok = db.LookupName("nRF52832")
	assert.True(t, ok, "built-in devices must survive the merge")
}

func TestDeviceDBOverridesBuiltin(t *testing.T) {
	builtin, ok := devicedb.Default().LookupName("nRF52832")
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "devices.desc")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
family "Patched" {
    port swd
    partreg 0x%X
    nvmc 0x4001E000
    device "nRF52832" part 0x%X {
        flash "code" start 0 size 256K sector 4K
        ram start 0x20000000 size 32K
    }
}`, builtin.PartReg, builtin.Part)), 0o644))
	cfg := Default()
	cfg.Devices = path
	db, err := cfg.DeviceDB()
	require.NoError(t, err)

	dev, ok := db.LookupName("nRF52832")
	require.True(t, ok)
	assert.Equal(t, "Patched", dev.Family)
	byPart, ok := db.LookupPart(builtin.Part)
	require.True(t, ok)
	assert.Equal(t, "Patched", byPart.Family)
	assert.Len(t, db.Devices(), len(devicedb.Default().Devices()))
}
