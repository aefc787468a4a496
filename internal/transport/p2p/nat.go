package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// natManager opens a port on the local gateway via NAT-PMP, falling back to
// UPnP, so a node behind NAT can still accept inbound streams. Adapted from
// the teacher's core/nat_traversal.go NATManager, which does the same thing
// for a blockchain node's gossip port.
type natManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
	log        *logrus.Logger
}

func newNATManager(cfg Config, log *logrus.Logger) (*natManager, error) {
	m := &natManager{log: log}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("p2p: nat gateway not found")
	}

	if port, err := parseTCPPort(cfg.ListenAddr); err == nil && port != 0 {
		if err := m.mapPort(port); err != nil {
			log.WithError(err).Warn("p2p: NAT port mapping failed")
		}
	}
	return m, nil
}

func (m *natManager) ExternalIP() net.IP { return m.ip }

func (m *natManager) mapPort(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "firma-sign", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("p2p: port mapping failed")
}

func (m *natManager) Close() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		_, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0)
		m.mappedPort = 0
		return err
	}
	if m.upnp != nil {
		err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP")
		m.mappedPort = 0
		return err
	}
	return nil
}

// parseTCPPort extracts the TCP port from a libp2p multiaddress string.
func parseTCPPort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("no tcp port in %s", addr)
}
