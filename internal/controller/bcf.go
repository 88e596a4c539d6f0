package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// bcfController speaks to a Big Cloud Fabric controller over its JSON
// REST API: the endpoint table is read from the fabric's MAC-address
// table endpoint, and mirror/filter/ACL rules are pushed as individual
// CRUD requests against the policy API, mirroring the split between
// BcfProxy and BcfParser in the original implementation.
type bcfController struct {
	desc   Descriptor
	client *http.Client
}

// NewBCF returns the bcf Controller back-end.
func NewBCF(d Descriptor) Controller {
	return &bcfController{
		desc:   d,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type bcfMacEntry struct {
	MAC      string `json:"mac"`
	Segment  string `json:"switch"`
	Port     string `json:"port"`
	Tenant   string `json:"tenant"`
	VLAN     string `json:"vlan"`
	Active   int    `json:"active"`
	IPv4     string `json:"ipv4"`
	IPv6     string `json:"ipv6"`
}

func (b *bcfController) Poll(ctx context.Context, pushEvents []PushEvent) ([]endpoint.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.desc.URI+"/api/v1/mac-table", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building bcf poll request")
	}
	b.authenticate(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "polling bcf controller")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bcf poll returned status %d", resp.StatusCode)
	}

	var rows []bcfMacEntry
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, errors.Wrap(err, "decoding bcf mac table")
	}

	out := make([]endpoint.Observation, 0, len(rows))
	for _, r := range rows {
		out = append(out, endpoint.Observation{
			MAC:            r.MAC,
			Segment:        r.Segment,
			Port:           r.Port,
			Tenant:         r.Tenant,
			VLAN:           r.VLAN,
			Active:         r.Active,
			IPv4:           r.IPv4,
			IPv6:           r.IPv6,
			Controller:     b.desc.URI,
			ControllerType: string(TypeBCF),
		})
	}
	return out, nil
}

// bcfMirrorRequest is the body posted to create or delete a mirror
// session for one endpoint's location.
type bcfMirrorRequest struct {
	Switch string `json:"switch"`
	Port   string `json:"port"`
	Dest   string `json:"destination"`
}

func (b *bcfController) Mirror(ctx context.Context, e *endpoint.Endpoint) (bool, error) {
	return b.setMirror(ctx, e, http.MethodPost)
}

func (b *bcfController) Unmirror(ctx context.Context, e *endpoint.Endpoint) (bool, error) {
	return b.setMirror(ctx, e, http.MethodDelete)
}

func (b *bcfController) setMirror(ctx context.Context, e *endpoint.Endpoint, method string) (bool, error) {
	obs := e.Observation()
	body, err := json.Marshal(bcfMirrorRequest{
		Switch: obs.Segment,
		Port:   obs.Port,
		Dest:   "poseidon-mirror",
	})
	if err != nil {
		return false, errors.Wrap(err, "encoding bcf mirror request")
	}

	req, err := http.NewRequestWithContext(ctx, method, b.desc.URI+"/api/v1/mirror", bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "building bcf mirror request")
	}
	req.Header.Set("Content-Type", "application/json")
	b.authenticate(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "issuing bcf mirror request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, errors.Errorf("bcf mirror request returned status %d", resp.StatusCode)
	}
	return true, nil
}

// ClearFilters removes every mirror session and ACL rule this process
// owns, identified by the poseidon-mirror / poseidon-acl naming
// convention applied when the rules were created.
func (b *bcfController) ClearFilters(ctx context.Context) error {
	for _, path := range []string{"/api/v1/mirror/poseidon-mirror", "/api/v1/acl/poseidon-acl"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.desc.URI+path, nil)
		if err != nil {
			return errors.Wrapf(err, "building bcf clear request for %s", path)
		}
		b.authenticate(req)
		resp, err := b.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "clearing bcf filters at %s", path)
		}
		resp.Body.Close()
	}
	return nil
}

type bcfACLRequest struct {
	Tenant string   `json:"tenant"`
	Switch string   `json:"switch"`
	Port   string   `json:"port"`
	Rules  []string `json:"rules"`
}

func (b *bcfController) UpdateACLs(ctx context.Context, rulesFile string, endpoints []*endpoint.Endpoint) (bool, []ACLAction, error) {
	raw, err := os.ReadFile(rulesFile)
	if err != nil {
		return false, nil, errors.Wrap(err, "reading acl rules file")
	}
	var ruleSet map[string][]string
	if err := yaml.Unmarshal(raw, &ruleSet); err != nil {
		return false, nil, errors.Wrap(err, "parsing acl rules file")
	}

	var actions []ACLAction
	for _, e := range endpoints {
		obs := e.Observation()
		ruleNames, ok := ruleSet[obs.Tenant]
		if !ok {
			continue
		}

		body, err := json.Marshal(bcfACLRequest{
			Tenant: obs.Tenant,
			Switch: obs.Segment,
			Port:   obs.Port,
			Rules:  ruleNames,
		})
		if err != nil {
			return false, actions, errors.Wrap(err, "encoding bcf acl request")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.desc.URI+"/api/v1/acl/poseidon-acl", bytes.NewReader(body))
		if err != nil {
			return false, actions, errors.Wrap(err, "building bcf acl request")
		}
		req.Header.Set("Content-Type", "application/json")
		b.authenticate(req)

		resp, err := b.client.Do(req)
		if err != nil {
			return false, actions, errors.Wrap(err, "issuing bcf acl request")
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return false, actions, errors.Errorf("bcf acl request returned status %d", resp.StatusCode)
		}

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
	return true, actions, nil
}

// authenticate attaches the configured session credential, supplied via
// the controller descriptor, as the request's session_cookie cookie.
func (b *bcfController) authenticate(req *http.Request) {
	if b.desc.Credentials != "" {
		req.Header.Set("Cookie", "session_cookie="+b.desc.Credentials)
	}
}
