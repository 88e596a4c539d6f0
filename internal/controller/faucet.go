package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// faucetController speaks to a Faucet-family SDN controller: endpoint
// tables are polled from its Prometheus-style admin HTTP API, and
// mirror/ACL rules are installed by rewriting a local mirror-config
// YAML file that Faucet reloads on SIGHUP/mtime change (mirroring the
// split between FaucetProxy and Parser in the original implementation).
type faucetController struct {
	desc   Descriptor
	client *http.Client
}

// NewFaucet returns the faucet Controller back-end.
func NewFaucet(d Descriptor) Controller {
	return &faucetController{
		desc:   d,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// faucetInterface is the per-port subset of the Faucet config schema
// relevant to mirroring and ACLs.
type faucetInterface struct {
	Mirror []string `yaml:"mirror,omitempty"`
	ACLsIn []string `yaml:"acls_in,omitempty"`
}

type faucetDP struct {
	Interfaces map[string]faucetInterface `yaml:"interfaces"`
}

// faucetConfig is the switch config shape this back-end reads/writes; it
// intentionally models only the subset of the Faucet config schema
// relevant to mirroring and ACLs.
type faucetConfig struct {
	DPs map[string]faucetDP `yaml:"dps"`
}

func (f *faucetController) Poll(ctx context.Context, pushEvents []PushEvent) ([]endpoint.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.desc.URI+"/api/v1/mac_table", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building faucet poll request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "polling faucet controller")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("faucet poll returned status %d", resp.StatusCode)
	}

	var rows []struct {
		MAC     string `json:"mac"`
		DP      string `json:"dp"`
		Port    int    `json:"port"`
		VLAN    int    `json:"vlan"`
		Tenant  string `json:"tenant"`
		Active  int    `json:"active"`
		IPv4    string `json:"ipv4"`
		IPv6    string `json:"ipv6"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, errors.Wrap(err, "decoding faucet mac table")
	}

	out := make([]endpoint.Observation, 0, len(rows))
	for _, r := range rows {
		out = append(out, endpoint.Observation{
			MAC:            r.MAC,
			Segment:        r.DP,
			Port:           strconv.Itoa(r.Port),
			Tenant:         r.Tenant,
			VLAN:           strconv.Itoa(r.VLAN),
			Active:         r.Active,
			IPv4:           r.IPv4,
			IPv6:           r.IPv6,
			Controller:     f.desc.URI,
			ControllerType: string(TypeFaucet),
		})
	}
	return out, nil
}

func (f *faucetController) Mirror(ctx context.Context, e *endpoint.Endpoint) (bool, error) {
	return f.setMirror(e, true)
}

func (f *faucetController) Unmirror(ctx context.Context, e *endpoint.Endpoint) (bool, error) {
	return f.setMirror(e, false)
}

func (f *faucetController) setMirror(e *endpoint.Endpoint, on bool) (bool, error) {
	obs := e.Observation()
	cfg, err := f.readConfig()
	if err != nil {
		return false, errors.Wrap(err, "reading faucet config")
	}
	dp, ok := cfg.DPs[obs.Segment]
	if !ok {
		return false, errors.Errorf("unknown dp %q in faucet config", obs.Segment)
	}
	if dp.Interfaces == nil {
		dp.Interfaces = map[string]faucetInterface{}
		cfg.DPs[obs.Segment] = dp
	}
	iface := cfg.DPs[obs.Segment].Interfaces[obs.Port]
	if on {
		iface.Mirror = appendUnique(iface.Mirror, "mirror-port")
	} else {
		iface.Mirror = removeAll(iface.Mirror, "mirror-port")
	}
	cfg.DPs[obs.Segment].Interfaces[obs.Port] = iface

	if err := f.writeConfig(cfg); err != nil {
		return false, errors.Wrap(err, "writing faucet config")
	}
	return true, nil
}

// ClearFilters rewrites the config file with every mirror rule owned by
// this process removed (ported from Parser().clear_mirrors).
func (f *faucetController) ClearFilters(ctx context.Context) error {
	cfg, err := f.readConfig()
	if err != nil {
		return errors.Wrap(err, "reading faucet config")
	}
	for dpName, dp := range cfg.DPs {
		for ifName, iface := range dp.Interfaces {
			iface.Mirror = nil
			dp.Interfaces[ifName] = iface
		}
		cfg.DPs[dpName] = dp
	}
	return f.writeConfig(cfg)
}

func (f *faucetController) UpdateACLs(ctx context.Context, rulesFile string, endpoints []*endpoint.Endpoint) (bool, []ACLAction, error) {
	rules, err := os.ReadFile(rulesFile)
	if err != nil {
		return false, nil, errors.Wrap(err, "reading acl rules file")
	}
	var ruleSet map[string][]string
	if err := yaml.Unmarshal(rules, &ruleSet); err != nil {
		return false, nil, errors.Wrap(err, "parsing acl rules file")
	}

	cfg, err := f.readConfig()
	if err != nil {
		return false, nil, errors.Wrap(err, "reading faucet config")
	}

	var actions []ACLAction
	for _, e := range endpoints {
		obs := e.Observation()
		ruleNames, ok := ruleSet[obs.Tenant]
		if !ok {
			continue
		}
		dp, ok := cfg.DPs[obs.Segment]
		if !ok {
			continue
		}
		if dp.Interfaces == nil {
			dp.Interfaces = map[string]faucetInterface{}
		}
		iface := dp.Interfaces[obs.Port]
		iface.ACLsIn = ruleNames
		dp.Interfaces[obs.Port] = iface
		cfg.DPs[obs.Segment] = dp

		for _, rn := range ruleNames {
			actions = append(actions, ACLAction{
				Action:  "apply",
				MAC:     obs.MAC,
				Segment: obs.Segment,
				Port:    obs.Port,
				ACLID:   rn,
				Rule:    rn,
			})
		}
	}
	if err := f.writeConfig(cfg); err != nil {
		return false, nil, errors.Wrap(err, "writing faucet config")
	}
	return true, actions, nil
}

func (f *faucetController) readConfig() (faucetConfig, error) {
	var cfg faucetConfig
	b, err := os.ReadFile(f.desc.ConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.DPs = map[string]faucetDP{}
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if cfg.DPs == nil {
		cfg.DPs = map[string]faucetDP{}
	}
	return cfg, nil
}

func (f *faucetController) writeConfig(cfg faucetConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := f.desc.ConfigFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.desc.ConfigFile)
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}

func removeAll(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
