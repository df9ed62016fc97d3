package wireless

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

const (
	firstLeaseHost  = 100
	lastLeaseHost   = 250
	defaultLeaseDur = 24 * time.Hour
)

// DHCPServer is the lease server running on the access point interface.
type DHCPServer interface {
	Start() error
	Stop() error
}

// DHCPServerConfig contains configuration for the DHCP server
type DHCPServerConfig struct {
	InterfaceName string
	ServerIP      net.IP
	LeaseDuration time.Duration
	// Port and ClientPort default to 67 and 68.
	Port       int
	ClientPort int
}

// SimpleDHCPServer hands out addresses from .100 to .250 of the server's
// /24 and names the server as router and DNS server, so every client sends
// its lookups to the portal.
type SimpleDHCPServer struct {
	config DHCPServerConfig
	mask   net.IPMask
	server *server4.Server
	done   chan struct{}

	mu       sync.Mutex
	leases   map[string]net.IP
	nextHost byte
}

// NewDHCPServer creates a new DHCP server instance
func NewDHCPServer(config DHCPServerConfig) (*SimpleDHCPServer, error) {
	ip := config.ServerIP.To4()
	if ip == nil {
		return nil, fmt.Errorf("DHCP server address %v is not IPv4", config.ServerIP)
	}
	config.ServerIP = ip
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDur
	}
	if config.Port == 0 {
		config.Port = dhcpv4.ServerPort
	}
	if config.ClientPort == 0 {
		config.ClientPort = dhcpv4.ClientPort
	}
	return &SimpleDHCPServer{
		config:   config,
		mask:     net.CIDRMask(24, 32),
		leases:   make(map[string]net.IP),
		nextHost: firstLeaseHost,
	}, nil
}

// Start binds the server port on the interface and serves requests in a
// background goroutine until Stop.
func (s *SimpleDHCPServer) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.config.Port}
	server, err := server4.NewServer(s.config.InterfaceName, addr, s.serveDHCP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = server
	s.done = make(chan struct{})

	log.Printf("DHCP: Server listening on %s (%s)", addr, s.config.InterfaceName)
	go func() {
		defer close(s.done)
		if err := server.Serve(); err != nil {
			log.Printf("DHCP: Server shutting down: %v", err)
		}
	}()
	return nil
}

// Stop closes the socket and waits for the packet loop to finish.
func (s *SimpleDHCPServer) Stop() error {
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	<-s.done
	s.server = nil
	return err
}

// serveDHCP answers one client message. Replies are broadcast on the client
// port unless the request came through a relay.
func (s *SimpleDHCPServer) serveDHCP(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	resp := s.handle(req)
	if resp == nil {
		return
	}

	dst := net.Addr(&net.UDPAddr{IP: net.IPv4bcast, Port: s.config.ClientPort})
	if gw := req.GatewayIPAddr; gw != nil && !gw.IsUnspecified() {
		dst = peer
	}
	if _, err := conn.WriteTo(resp.ToBytes(), dst); err != nil {
		log.Printf("DHCP: Error sending response: %v", err)
	}
}

// handle returns the reply to one client message, or nil when there is
// nothing to say.
func (s *SimpleDHCPServer) handle(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	if req.OpCode != dhcpv4.OpcodeBootRequest || len(req.ClientHWAddr) != 6 {
		return nil
	}
	mac := req.ClientHWAddr

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		ip := s.lease(mac)
		if ip == nil {
			log.Printf("DHCP: No free address for %s", mac)
			return nil
		}
		log.Printf("DHCP: Offering %s to %s", ip, mac)
		return s.reply(req, ip, dhcpv4.MessageTypeOffer)

	case dhcpv4.MessageTypeRequest:
		if id := req.ServerIdentifier(); id != nil && !id.Equal(s.config.ServerIP) {
			// the client chose another server
			s.release(mac)
			return nil
		}
		requested := req.RequestedIPAddress().To4()
		if requested == nil {
			requested = req.ClientIPAddr.To4()
		}
		if requested == nil || !s.acceptable(mac, requested) {
			log.Printf("DHCP: Refusing %v to %s", requested, mac)
			return s.reply(req, nil, dhcpv4.MessageTypeNak)
		}
		log.Printf("DHCP: Acknowledging %s to %s", requested, mac)
		return s.reply(req, requested, dhcpv4.MessageTypeAck)
	}
	return nil
}

// lease returns the address held by mac, allocating one if needed.
func (s *SimpleDHCPServer) lease(mac net.HardwareAddr) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ip, ok := s.leases[mac.String()]; ok {
		return ip
	}
	for n := 0; n < lastLeaseHost-firstLeaseHost+1; n++ {
		host := s.nextHost
		s.nextHost++
		if s.nextHost > lastLeaseHost {
			s.nextHost = firstLeaseHost
		}
		ip := net.IPv4(s.config.ServerIP[0], s.config.ServerIP[1], s.config.ServerIP[2], host).To4()
		if ip.Equal(s.config.ServerIP) || s.heldLocked(ip) {
			continue
		}
		s.leases[mac.String()] = ip
		return ip
	}
	return nil
}

func (s *SimpleDHCPServer) heldLocked(ip net.IP) bool {
	for _, held := range s.leases {
		if held.Equal(ip) {
			return true
		}
	}
	return false
}

// acceptable records ip for mac if it lies in the server's subnet and no
// other client holds it.
func (s *SimpleDHCPServer) acceptable(mac net.HardwareAddr, ip net.IP) bool {
	subnet := net.IPNet{IP: s.config.ServerIP.Mask(s.mask), Mask: s.mask}
	if !subnet.Contains(ip) || ip.Equal(s.config.ServerIP) || ip[3] == 0 || ip[3] == 255 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for other, held := range s.leases {
		if held.Equal(ip) && other != mac.String() {
			return false
		}
	}
	s.leases[mac.String()] = append(net.IP(nil), ip...)
	return true
}

func (s *SimpleDHCPServer) release(mac net.HardwareAddr) {
	s.mu.Lock()
	delete(s.leases, mac.String())
	s.mu.Unlock()
}

// reply builds the answer to req. A NAK carries only the server identifier.
func (s *SimpleDHCPServer) reply(req *dhcpv4.DHCPv4, yiaddr net.IP, msgType dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	server := s.config.ServerIP
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithServerIP(server),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
	}
	if msgType != dhcpv4.MessageTypeNak {
		bcast := net.IPv4(server[0], server[1], server[2], 255).To4()
		mods = append(mods,
			dhcpv4.WithYourIP(yiaddr),
			dhcpv4.WithLeaseTime(uint32(s.config.LeaseDuration/time.Second)),
			dhcpv4.WithNetmask(s.mask),
			dhcpv4.WithRouter(server),
			dhcpv4.WithDNS(server),
			dhcpv4.WithOption(dhcpv4.OptBroadcastAddress(bcast)),
			dhcpv4.WithOption(dhcpv4.OptDomainName("local")),
		)
	}
	resp, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		log.Printf("DHCP: Error building %s for %s: %v", msgType, req.ClientHWAddr, err)
		return nil
	}
	return resp
}
