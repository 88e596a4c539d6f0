package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSane(t *testing.T) {
	d := Defaults()
	require.Equal(t, "none", d.ControllerType)
	require.Equal(t, 10*time.Second, d.ScanFrequency)
	require.Equal(t, 2, d.MaxConcurrentReinvestigations)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	out, err := LoadFile(Defaults(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), out)
}

func TestLoadFileMalformedIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))
	_, err := LoadFile(Defaults(), path)
	require.Error(t, err)
}

func TestLoadFileOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poseidon.yaml")
	yaml := `
type: faucet
scan_frequency: 30
trunk_ports:
  sw1: "aa:bb:cc:dd:ee:ff,1"
  sw2: "11:22:33:44:55:66,2"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	out, err := LoadFile(Defaults(), path)
	require.NoError(t, err)
	require.Equal(t, "faucet", out.ControllerType)
	require.Equal(t, 30*time.Second, out.ScanFrequency)
	require.Equal(t, Defaults().ReinvestigationFrequency, out.ReinvestigationFrequency)
	require.Len(t, out.TrunkPorts, 2)

	byseg := map[string]TrunkPort{}
	for _, tp := range out.TrunkPorts {
		byseg[tp.Segment] = tp
	}
	require.Equal(t, "aa:bb:cc:dd:ee:ff", byseg["sw1"].MAC)
	require.Equal(t, "1", byseg["sw1"].Port)
}

func TestSplitMACPort(t *testing.T) {
	mac, port := splitMACPort("aa:bb:cc:dd:ee:ff,3")
	require.Equal(t, "aa:bb:cc:dd:ee:ff", mac)
	require.Equal(t, "3", port)

	mac, port = splitMACPort("no-comma-here")
	require.Equal(t, "no-comma-here", mac)
	require.Equal(t, "", port)
}
