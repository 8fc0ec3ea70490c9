package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenzik.yaml")
	contents := "listen_addr: 0.0.0.0:9100\nname: test-node\ninitial_peers:\n  - 10.0.0.1:9000\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9100", cfg.ListenAddr)
	require.Equal(t, "test-node", cfg.Name)
	require.Equal(t, []string{"10.0.0.1:9000"}, cfg.InitialPeers)
	require.Equal(t, Default().MaxEventsPerSync, cfg.MaxEventsPerSync)
}

func TestToFederationConfig_TranslatesDurations(t *testing.T) {
	cfg := Default()
	fed := cfg.ToFederationConfig()
	require.Equal(t, cfg.ListenAddr, fed.ListenAddr)
	require.EqualValues(t, cfg.SyncIntervalMS, fed.Gossip.SyncInterval.Milliseconds())
}
