package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

func TestFaucetPollDecodesMacTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/mac_table", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"mac": "aa:bb:cc:dd:ee:ff", "dp": "sw1", "port": 3, "vlan": 100, "tenant": "t1", "active": 1, "ipv4": "10.0.0.5"},
		})
	}))
	defer srv.Close()

	c := NewFaucet(Descriptor{Type: TypeFaucet, URI: srv.URL})
	obs, err := c.Poll(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", obs[0].MAC)
	require.Equal(t, "sw1", obs[0].Segment)
	require.Equal(t, "3", obs[0].Port)
	require.Equal(t, "100", obs[0].VLAN)
	require.Equal(t, 1, obs[0].Active)
	require.Equal(t, string(TypeFaucet), obs[0].ControllerType)
}

func TestFaucetPollNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewFaucet(Descriptor{Type: TypeFaucet, URI: srv.URL})
	_, err := c.Poll(context.Background(), nil)
	require.Error(t, err)
}

func writeFaucetConfig(t *testing.T, dir string, cfg faucetConfig) string {
	t.Helper()
	b, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "faucet.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func readFaucetConfig(t *testing.T, path string) faucetConfig {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg faucetConfig
	require.NoError(t, yaml.Unmarshal(b, &cfg))
	return cfg
}

func TestFaucetMirrorAddsAndRemovesRule(t *testing.T) {
	dir := t.TempDir()
	path := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{
		"sw1": {Interfaces: map[string]faucetInterface{}},
	}})

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: path})
	e := endpoint.New("e1", endpoint.Observation{Segment: "sw1", Port: "3"}, fakeNow())

	ok, err := c.Mirror(context.Background(), e)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := readFaucetConfig(t, path)
	require.Contains(t, cfg.DPs["sw1"].Interfaces["3"].Mirror, "mirror-port")

	ok, err = c.Unmirror(context.Background(), e)
	require.NoError(t, err)
	require.True(t, ok)

	cfg = readFaucetConfig(t, path)
	require.NotContains(t, cfg.DPs["sw1"].Interfaces["3"].Mirror, "mirror-port")
}

func TestFaucetMirrorInitializesNilInterfaceMap(t *testing.T) {
	dir := t.TempDir()
	// A DP entry with no interfaces section at all, as a hand-edited
	// faucet.yaml might have.
	path := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{"sw1": {}}})

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: path})
	e := endpoint.New("e1", endpoint.Observation{Segment: "sw1", Port: "3"}, fakeNow())

	ok, err := c.Mirror(context.Background(), e)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFaucetMirrorUnknownDP(t *testing.T) {
	dir := t.TempDir()
	path := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{}})

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: path})
	e := endpoint.New("e1", endpoint.Observation{Segment: "sw-missing", Port: "3"}, fakeNow())

	_, err := c.Mirror(context.Background(), e)
	require.Error(t, err)
}

func TestFaucetClearFiltersRemovesAllMirrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{
		"sw1": {Interfaces: map[string]faucetInterface{
			"1": {Mirror: []string{"mirror-port"}},
			"2": {Mirror: []string{"mirror-port"}},
		}},
	}})

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: path})
	require.NoError(t, c.ClearFilters(context.Background()))

	cfg := readFaucetConfig(t, path)
	require.Empty(t, cfg.DPs["sw1"].Interfaces["1"].Mirror)
	require.Empty(t, cfg.DPs["sw1"].Interfaces["2"].Mirror)
}

func TestFaucetUpdateACLsAppliesTenantRules(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{
		"sw1": {Interfaces: map[string]faucetInterface{}},
	}})

	rulesPath := filepath.Join(dir, "rules.yaml")
	rules, err := yaml.Marshal(map[string][]string{"tenant-a": {"allow-dns", "deny-smb"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rulesPath, rules, 0o644))

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: configPath})
	e := endpoint.New("e1", endpoint.Observation{Segment: "sw1", Port: "3", Tenant: "tenant-a"}, fakeNow())

	ok, actions, err := c.UpdateACLs(context.Background(), rulesPath, []*endpoint.Endpoint{e})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, actions, 2)

	cfg := readFaucetConfig(t, configPath)
	require.Equal(t, []string{"allow-dns", "deny-smb"}, cfg.DPs["sw1"].Interfaces["3"].ACLsIn)
}

func TestFaucetUpdateACLsSkipsUnknownDP(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFaucetConfig(t, dir, faucetConfig{DPs: map[string]faucetDP{}})

	rulesPath := filepath.Join(dir, "rules.yaml")
	rules, _ := yaml.Marshal(map[string][]string{"tenant-a": {"allow-dns"}})
	require.NoError(t, os.WriteFile(rulesPath, rules, 0o644))

	c := NewFaucet(Descriptor{Type: TypeFaucet, ConfigFile: configPath})
	e := endpoint.New("e1", endpoint.Observation{Segment: "sw-missing", Port: "3", Tenant: "tenant-a"}, fakeNow())

	ok, actions, err := c.UpdateACLs(context.Background(), rulesPath, []*endpoint.Endpoint{e})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, actions)
}
