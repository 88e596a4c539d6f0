// Package storage implements the Persistence Adapter (component F)
// against `go.etcd.io/etcd/client/v3`, per SPEC_FULL.md §6: every key
// named in spec.md §6 lives under a `/poseidon/` prefix, and every
// value is JSON — replacing the original's stringified-Python-literal
// encoding per the REDESIGN FLAGS in spec.md §9. The client
// construction and context-scoped Get/Put/Delete calls are ported from
// the teacher pack's `RemoteStore` in k3s-io-k3s's
// `pkg/etcd/store/store.go`.
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/registry"
)

const keyPrefix = "/poseidon/"

// Adapter is the Persistence Adapter. snapshotMu is the "snapshot
// lock" of spec.md §5: held for the duration of any Store call, never
// across a suspension point beyond the call itself.
type Adapter struct {
	client     *clientv3.Client
	snapshotMu sync.Mutex
}

// Dial connects to the etcd cluster named by endpoints.
func Dial(endpoints []string, dialTimeout time.Duration) (*Adapter, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dialing etcd")
	}
	return &Adapter{client: c}, nil
}

// Close releases the underlying etcd client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// endpointsKey holds the full JSON-encoded endpoint list (p_endpoints).
func endpointsKey() string { return keyPrefix + "p_endpoints" }

func macKey(mac string) string       { return keyPrefix + "mac/" + mac }
func ipKey(ip string) string         { return keyPrefix + "ip/" + ip }
func endpointKey(name string) string { return keyPrefix + "endpoint/" + name }

// macPointer is the value stored at macKey: the owning endpoint name
// plus every timestamp at which this MAC contributed an ML sample,
// mirroring the original "poseidon_hash / timestamps" hash fields.
type macPointer struct {
	Name       string   `json:"poseidon_hash"`
	Timestamps []string `json:"timestamps"`
}

// ipPointer is the value stored at ipKey.
type ipPointer struct {
	Name    string `json:"poseidon_hash"`
	ShortOS string `json:"short_os,omitempty"`
}

// mlSample is the value stored at /poseidon/ml/<mac>/<ts>: the original implementation's
// per-(mac,ts) hash of labels/confidences/decisions, keyed here by the
// endpoint name that produced it instead of a raw hash field.
type mlSample struct {
	Labels      []string          `json:"labels"`
	Confidences []float64         `json:"confidences"`
	Decisions   map[string]string `json:"decisions"`
}

// LoadEndpoints restores the registry from the last snapshot, applying
// the startup recovery rule of spec.md §4.6 to every endpoint.
func (a *Adapter) LoadEndpoints(ctx context.Context, now time.Time) ([]*endpoint.Endpoint, error) {
	resp, err := a.client.Get(ctx, endpointsKey())
	if err != nil {
		return nil, errors.Wrap(err, "loading p_endpoints")
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var encoded []endpoint.Encoded
	if err := json.Unmarshal(resp.Kvs[0].Value, &encoded); err != nil {
		return nil, errors.Wrap(err, "decoding p_endpoints")
	}

	out := make([]*endpoint.Endpoint, 0, len(encoded))
	for _, enc := range encoded {
		e := endpoint.FromEncoded(enc)
		e.RecoverAtStartup(now)
		out = append(out, e)
	}
	return out, nil
}

// StoreEndpoints atomically snapshots the full registry: the encoded
// endpoint list, plus per-MAC and per-IP pointer hashes so metadata
// lookups resolve back to the owning endpoint's name.
func (a *Adapter) StoreEndpoints(ctx context.Context, reg *registry.Registry) error {
	a.snapshotMu.Lock()
	defer a.snapshotMu.Unlock()

	all := reg.All()
	encoded := make([]endpoint.Encoded, 0, len(all))
	for _, e := range all {
		encoded = append(encoded, e.Clone())
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return errors.Wrap(err, "encoding p_endpoints")
	}

	ops := []clientv3.Op{clientv3.OpPut(endpointsKey(), string(body))}
	for _, e := range all {
		obs := e.Observation()
		if obs.MAC != "" && obs.MAC != endpoint.NoData {
			ptr, _ := json.Marshal(macPointer{Name: e.Name()})
			ops = append(ops, clientv3.OpPut(macKey(obs.MAC), string(ptr)))
		}
		for _, ip := range []string{obs.IPv4, obs.IPv6} {
			if ip != "" && ip != endpoint.NoData {
				ptr, _ := json.Marshal(ipPointer{Name: e.Name()})
				ops = append(ops, clientv3.OpPut(ipKey(ip), string(ptr)))
			}
		}
		encodedEndpoint, _ := json.Marshal(e.Clone())
		ops = append(ops, clientv3.OpPut(endpointKey(e.Name()), string(encodedEndpoint)))
	}

	if _, err := a.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return errors.Wrap(err, "committing snapshot transaction")
	}
	return nil
}

// LoadMetadata returns the cached ML metadata previously written for
// the given owning MAC and IP addresses, per spec.md §4.6.
func (a *Adapter) LoadMetadata(ctx context.Context, macs []string, ips []string) (endpoint.MetadataCache, error) {
	out := endpoint.MetadataCache{
		MACSamples: map[string]map[string]endpoint.MLSample{},
		IPv4OS:     map[string]string{},
		IPv6OS:     map[string]string{},
	}

	for _, mac := range macs {
		ptrResp, err := a.client.Get(ctx, macKey(mac))
		if err != nil {
			return out, errors.Wrapf(err, "loading mac pointer for %s", mac)
		}
		if len(ptrResp.Kvs) == 0 {
			continue
		}
		var ptr macPointer
		if err := json.Unmarshal(ptrResp.Kvs[0].Value, &ptr); err != nil {
			continue
		}
		samples, err := a.client.Get(ctx, keyPrefix+"ml/"+mac+"/", clientv3.WithPrefix())
		if err != nil {
			return out, errors.Wrapf(err, "loading ml samples for %s", mac)
		}
		byTS := map[string]endpoint.MLSample{}
		for _, kv := range samples.Kvs {
			var s mlSample
			if err := json.Unmarshal(kv.Value, &s); err != nil {
				continue
			}
			ts := lastSegment(string(kv.Key))
			byTS[ts] = endpoint.MLSample{
				Labels:      s.Labels,
				Confidences: s.Confidences,
				Behavior:    s.Decisions[ptr.Name],
			}
		}
		if len(byTS) > 0 {
			out.MACSamples[mac] = byTS
		}
	}

	for _, ip := range ips {
		resp, err := a.client.Get(ctx, ipKey(ip))
		if err != nil {
			return out, errors.Wrapf(err, "loading ip pointer for %s", ip)
		}
		if len(resp.Kvs) == 0 {
			continue
		}
		var ptr ipPointer
		if err := json.Unmarshal(resp.Kvs[0].Value, &ptr); err != nil {
			continue
		}
		if ptr.ShortOS == "" {
			continue
		}
		if isIPv6(ip) {
			out.IPv6OS[ip] = ptr.ShortOS
		} else {
			out.IPv4OS[ip] = ptr.ShortOS
		}
	}
	return out, nil
}

func lastSegment(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

func isIPv6(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}
