package lanudp

import (
	"fmt"
	"net"
	"syscall"
)

// broadcastTargets resolves the configured interface into a bind address and
// the broadcast destinations for discovery probes. With no interface
// configured we bind all interfaces and probe the limited broadcast address;
// with one, we bind its first IPv4 address and probe the directed broadcast
// address of each of its IPv4 networks.
func broadcastTargets(ifaceName string, port int) (net.IP, []*net.UDPAddr, error) {
	if ifaceName == "" {
		return net.IPv4zero, []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}, nil
	}

	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, nil, fmt.Errorf("unknown interface %q: %w", ifaceName, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list addresses of %q: %w", ifaceName, err)
	}

	var (
		bindIP  net.IP
		targets []*net.UDPAddr
	)
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		if bindIP == nil {
			bindIP = ip4
		}

		mask := ipnet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}

		// Directed broadcast: host bits all ones.
		bcast := make(net.IP, len(ip4))
		for i := range ip4 {
			bcast[i] = ip4[i] | ^mask[i]
		}
		targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
	}

	if bindIP == nil {
		return nil, nil, fmt.Errorf("interface %q has no IPv4 address", ifaceName)
	}
	return bindIP, targets, nil
}

// enableBroadcast sets SO_BROADCAST so probes may target broadcast
// addresses.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		optErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}
