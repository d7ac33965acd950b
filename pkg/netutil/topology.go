package netutil

import (
	"context"
	"fmt"
	"net"
	"strings"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// ResolutionError reports that the local network topology could not be
// determined. It is fatal for a scan run: without a local IP and subnet
// there is nothing to enumerate, so no partial result is possible.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("topology resolution failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("topology resolution failed: %s", e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Topology describes the local network attachment a scan starts from.
type Topology struct {
	Interface string // interface name, e.g. "eth0"
	LocalIP   string // interface IPv4 address
	Subnet    string // attached network in CIDR form, e.g. "192.168.1.0/24"
}

// ResolveLocalTopology picks the first up, non-loopback interface carrying a
// usable IPv4 address and derives the attached subnet from its prefix.
// Link-local addresses never qualify. Returns a *ResolutionError when no
// interface does.
func ResolveLocalTopology(ctx context.Context) (*Topology, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, &ResolutionError{Reason: "enumerating network interfaces", Err: err}
	}
	return selectTopology(ifaces)
}

func selectTopology(ifaces gnet.InterfaceStatList) (*Topology, error) {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, ipNet, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			v4 := ip.To4()
			if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() {
				continue
			}
			return &Topology{
				Interface: iface.Name,
				LocalIP:   v4.String(),
				Subnet:    ipNet.String(),
			}, nil
		}
	}
	return nil, &ResolutionError{Reason: "no usable IPv4 interface address found"}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// NormalizeSubnet validates a subnet override and canonicalizes it to its
// network address, so "192.168.1.42/24" becomes "192.168.1.0/24".
func NormalizeSubnet(cidr string) (string, error) {
	_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return "", &ResolutionError{Reason: fmt.Sprintf("invalid subnet override %q", cidr), Err: err}
	}
	return ipNet.String(), nil
}
