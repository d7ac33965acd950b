package netutil

import (
	"errors"
	"testing"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/require"
)

func TestSelectTopology_PicksFirstUsableIPv4(t *testing.T) {
	ifaces := gnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: gnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "docker0", Flags: []string{"broadcast", "multicast"}, Addrs: gnet.InterfaceAddrList{{Addr: "172.17.0.1/16"}}}, // down
		{Name: "wlan0", Flags: []string{"up", "broadcast", "multicast"}, Addrs: gnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},       // IPv6 link-local
			{Addr: "169.254.3.4/16"},   // IPv4 link-local
			{Addr: "192.168.1.42/24"},  // usable
		}},
	}

	topo, err := selectTopology(ifaces)
	require.NoError(t, err)
	require.Equal(t, "wlan0", topo.Interface)
	require.Equal(t, "192.168.1.42", topo.LocalIP)
	require.Equal(t, "192.168.1.0/24", topo.Subnet)
}

func TestSelectTopology_NoUsableInterface(t *testing.T) {
	ifaces := gnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: gnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: gnet.InterfaceAddrList{{Addr: "fe80::aa/64"}}},
	}

	topo, err := selectTopology(ifaces)
	require.Nil(t, topo)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Contains(t, resErr.Error(), "no usable IPv4 interface")
}

func TestSelectTopology_EmptyList(t *testing.T) {
	_, err := selectTopology(nil)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestResolutionError_UnwrapAndMessage(t *testing.T) {
	inner := errors.New("boom")
	err := &ResolutionError{Reason: "enumerating network interfaces", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Equal(t, "topology resolution failed: enumerating network interfaces: boom", err.Error())

	bare := &ResolutionError{Reason: "no usable IPv4 interface address found"}
	require.Equal(t, "topology resolution failed: no usable IPv4 interface address found", bare.Error())
}

func TestNormalizeSubnet(t *testing.T) {
	got, err := NormalizeSubnet(" 192.168.1.42/24 ")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.0/24", got)

	_, err = NormalizeSubnet("not-a-subnet")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Contains(t, err.Error(), "invalid subnet override")
}
