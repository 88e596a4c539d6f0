// Package enrich implements the OUI/rDNS metadata enrichers named as
// external collaborators in spec.md §1: MAC-prefix vendor lookup,
// reverse-DNS resolution, and subnet derivation at a configured prefix
// width. These are deliberately small, dependency-free helpers — the
// teacher and the rest of the example pack have no off-the-shelf
// library for OUI-table lookups or a non-stdlib rDNS client, so this
// package is one of the few places in the module justified in using
// only the standard library (see DESIGN.md).
package enrich

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// Enricher derives vendor, rDNS and subnet fields for an observation.
type Enricher interface {
	Enrich(ctx context.Context, o endpoint.Observation) endpoint.Observation
}

// VendorTable maps a normalized MAC OUI prefix (first three octets,
// colon-separated, lowercase) to a vendor name.
type VendorTable map[string]string

// defaultVendors is a small built-in nmap-style prefix table, used
// whenever New is given a nil table. The oui_file setting is not read,
// so the daemon always uses this table (SPEC_FULL.md §4.8).
var defaultVendors = VendorTable{
	"00:1a:11": "Google",
	"3c:5a:b4": "Google",
	"b8:27:eb": "Raspberry Pi Foundation",
	"dc:a6:32": "Raspberry Pi Trading",
	"00:50:56": "VMware",
	"00:0c:29": "VMware",
	"08:00:27": "PCS Systemtechnik (VirtualBox)",
	"00:1b:21": "Intel",
	"f0:de:f1": "Apple",
	"ac:de:48": "Private",
}

// RDNSTimeout bounds every reverse-DNS lookup so a slow resolver cannot
// stall a reconciliation tick.
const RDNSTimeout = 2 * time.Second

// networkEnricher is the default Enricher implementation.
type networkEnricher struct {
	vendors    VendorTable
	prefixV4   int
	prefixV6   int
	resolver   *net.Resolver
}

// New returns an Enricher using vendors for OUI lookups and the given
// CIDR prefix widths for subnet derivation. A nil vendors table falls
// back to defaultVendors.
func New(vendors VendorTable, prefixV4, prefixV6 int) Enricher {
	if vendors == nil {
		vendors = defaultVendors
	}
	if prefixV4 <= 0 {
		prefixV4 = 24
	}
	if prefixV6 <= 0 {
		prefixV6 = 64
	}
	return &networkEnricher{vendors: vendors, prefixV4: prefixV4, prefixV6: prefixV6, resolver: net.DefaultResolver}
}

func (n *networkEnricher) Enrich(ctx context.Context, o endpoint.Observation) endpoint.Observation {
	o.EtherVendor = n.vendorOf(o.MAC)

	if o.IPv4 != "" {
		if ip := net.ParseIP(o.IPv4); ip != nil && ip.To4() != nil {
			o.IPv4Subnet = subnetOf(ip, n.prefixV4, 32)
			o.IPv4RDNS = n.rdns(ctx, o.IPv4)
		}
	}
	if o.IPv6 != "" {
		if ip := net.ParseIP(o.IPv6); ip != nil && ip.To4() == nil {
			o.IPv6Subnet = subnetOf(ip, n.prefixV6, 128)
			o.IPv6RDNS = n.rdns(ctx, o.IPv6)
		}
	}
	return o
}

func (n *networkEnricher) vendorOf(mac string) string {
	norm := strings.ToLower(mac)
	parts := strings.Split(norm, ":")
	if len(parts) < 3 {
		return endpoint.NoData
	}
	prefix := strings.Join(parts[:3], ":")
	if v, ok := n.vendors[prefix]; ok {
		return v
	}
	return endpoint.NoData
}

func (n *networkEnricher) rdns(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, RDNSTimeout)
	defer cancel()
	names, err := n.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return endpoint.NoData
	}
	return strings.TrimSuffix(names[0], ".")
}

func subnetOf(ip net.IP, prefix, maxBits int) string {
	if prefix <= 0 || prefix > maxBits {
		return endpoint.NoData
	}
	mask := net.CIDRMask(prefix, maxBits)
	network := ip.Mask(mask)
	return network.String() + "/" + strconv.Itoa(prefix)
}
