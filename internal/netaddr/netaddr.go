// Package netaddr finds an address viewers on the local network can reach.
package netaddr

import "net"

// Loopback is returned when no other IPv4 address is available.
const Loopback = "127.0.0.1"

// Resolve returns the first non-loopback IPv4 address of this host, or
// Loopback if there is none or the interfaces cannot be listed.
func Resolve() string {
	return resolveFrom(net.InterfaceAddrs)
}

func resolveFrom(list func() ([]net.Addr, error)) string {
	addrs, err := list()
	if err != nil {
		return Loopback
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return Loopback
}

// HostPort combines the resolved host with the port of a bound address.
// It falls back to addr's own host when the port cannot be split out.
func HostPort(addr net.Addr) string {
	if addr == nil {
		return net.JoinHostPort(Resolve(), "0")
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return net.JoinHostPort(Resolve(), port)
}
