package netutil

import (
	"net"
	"strings"
)

// Interface is the view of a network interface that relay detection needs.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	IPs      []net.IP
}

// Lister enumerates the host's network interfaces.
type Lister func() ([]Interface, error)

var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// vpnNames are interface name fragments used by common VPN and tunnel drivers.
var vpnNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// SystemInterfaces lists the host interfaces with their addresses.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		i := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					i.IPs = append(i.IPs, v.IP)
				case *net.IPAddr:
					i.IPs = append(i.IPs, v.IP)
				}
			}
		}
		out = append(out, i)
	}
	return out, nil
}

// ShouldForceRelay reports whether the host looks like it sits behind a VPN
// or carrier-grade NAT, where direct peer paths usually fail.
func ShouldForceRelay() bool {
	return Restricted(SystemInterfaces)
}

// Restricted applies the VPN and CGNAT heuristics to the interfaces returned
// by list. A listing error is treated as unrestricted.
func Restricted(list Lister) bool {
	ifaces, err := list()
	if err != nil {
		return false
	}

	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, frag := range vpnNames {
			if strings.Contains(name, frag) {
				return true
			}
		}

		// 100.64.0.0/10 is used by WARP, Tailscale and carrier NATs.
		for _, ip := range iface.IPs {
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
