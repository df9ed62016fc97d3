package wireless

import (
	"fmt"
	"log"

	"relayportal/netfilter"
)

// NetworkConfig contains the configuration for network setup
type NetworkConfig struct {
	InterfaceName string
	ServerIP      string
	HTTPPort      int
	DNSPort       int
}

// ConfigureNetworking lets DHCP and portal traffic in on the access point
// interface and steers any DNS or HTTP destination to the portal. Clients
// get no route beyond the portal.
func ConfigureNetworking(m *netfilter.Manager, config NetworkConfig) error {
	for _, allow := range []struct {
		proto string
		port  int
	}{
		{"udp", 67},
		{"udp", config.DNSPort},
		{"tcp", config.HTTPPort},
	} {
		if err := m.Allow(config.InterfaceName, allow.proto, allow.port); err != nil {
			return fmt.Errorf("failed to accept %s/%d: %w", allow.proto, allow.port, err)
		}
	}

	if err := m.RedirectToHost(config.InterfaceName, "udp", 53, config.ServerIP, config.DNSPort); err != nil {
		return fmt.Errorf("failed to redirect DNS traffic: %w", err)
	}
	if err := m.RedirectToHost(config.InterfaceName, "tcp", 80, config.ServerIP, config.HTTPPort); err != nil {
		return fmt.Errorf("failed to redirect HTTP traffic: %w", err)
	}

	log.Printf("Network configuration completed on %s", config.InterfaceName)
	return nil
}
