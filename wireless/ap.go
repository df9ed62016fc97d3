// Package wireless brings up the Wi-Fi access point the portal serves on:
// interface addressing, wpa_supplicant in AP mode, a DHCP server and the
// redirect rules. Each activation returns a Link that undoes all of it.
package wireless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"relayportal/config"
	"relayportal/netfilter"
)

// ErrActivationTimeout is returned when the link does not come up in time.
var ErrActivationTimeout = errors.New("access point did not come up in time")

// AP activates a WPA2 access point on a wireless interface.
type AP struct {
	SSID              string
	Passphrase        string
	InterfaceName     string // found automatically when empty
	Channel           int
	IP                net.IP
	HTTPPort          int
	DNSPort           int
	ActivationTimeout time.Duration
	PollInterval      time.Duration
	Iptables          netfilter.Tables // nil uses the host's iptables
}

// NewAP creates an access point from the configuration.
func NewAP(cfg *config.Config) *AP {
	return &AP{
		SSID:              cfg.AccessPoint.SSID,
		Passphrase:        cfg.AccessPoint.Passphrase,
		InterfaceName:     cfg.AccessPoint.Interface,
		Channel:           cfg.AccessPoint.Channel,
		IP:                cfg.IP(),
		HTTPPort:          cfg.Portal.HTTPPort,
		DNSPort:           cfg.Portal.DNSPort,
		ActivationTimeout: cfg.AccessPoint.ActivationTimeout,
		PollInterval:      250 * time.Millisecond,
	}
}

// Link is one running access point. Close tears it down.
type Link struct {
	InterfaceName  string
	wpaSupplicant  *supervised
	dhcpServer     DHCPServer
	iptables       *netfilter.Manager
	temporaryFiles []string
	closeOnce      sync.Once
	closeErr       error
}

// Activate configures the interface and starts everything a client needs
// to join, then waits until the kernel reports the interface up.
func (ap *AP) Activate(ctx context.Context) (io.Closer, net.IP, error) {
	ip := ap.IP.To4()
	if ip == nil {
		return nil, nil, fmt.Errorf("access point address %v is not IPv4", ap.IP)
	}

	if ap.InterfaceName == "" {
		iface, err := FindWirelessInterface()
		if err != nil {
			return nil, nil, fmt.Errorf("no suitable wireless interface found: %w", err)
		}
		ap.InterfaceName = iface
		log.Printf("Using wireless interface: %s", ap.InterfaceName)
	}

	rules, err := ap.rules()
	if err != nil {
		return nil, nil, err
	}
	if err := ConfigureInterface(ap.InterfaceName, ip); err != nil {
		return nil, nil, fmt.Errorf("failed to configure interface: %w", err)
	}

	link := &Link{InterfaceName: ap.InterfaceName, iptables: rules}
	if err := ap.start(ctx, link, ip); err != nil {
		if cerr := link.Close(); cerr != nil {
			log.Printf("Wireless AP cleanup after failed start: %v", cerr)
		}
		return nil, nil, err
	}

	log.Printf("Wireless AP '%s' started on interface %s (channel %d, %s)", ap.SSID, ap.InterfaceName, ap.Channel, ip)
	return link, ip, nil
}

func (ap *AP) rules() (*netfilter.Manager, error) {
	if ap.Iptables != nil {
		return netfilter.NewManager(ap.Iptables), nil
	}
	return netfilter.NewSystemManager()
}

func (ap *AP) start(ctx context.Context, link *Link, ip net.IP) error {
	configPath := filepath.Join(os.TempDir(), "relayportal-wpa-"+ap.InterfaceName+".conf")
	cmd, err := SetupWPASupplicant(WPASupplicantConfig{
		SSID:          ap.SSID,
		Passphrase:    ap.Passphrase,
		InterfaceName: ap.InterfaceName,
		Channel:       ap.Channel,
		ConfigPath:    configPath,
	})
	link.temporaryFiles = append(link.temporaryFiles, configPath)
	if err != nil {
		return fmt.Errorf("failed to setup wpa_supplicant: %w", err)
	}
	link.wpaSupplicant = supervise("wpa_supplicant", cmd)

	dhcp, err := NewDHCPServer(DHCPServerConfig{InterfaceName: ap.InterfaceName, ServerIP: ip})
	if err != nil {
		return fmt.Errorf("failed to setup DHCP server: %w", err)
	}
	if err := dhcp.Start(); err != nil {
		return fmt.Errorf("failed to setup DHCP server: %w", err)
	}
	link.dhcpServer = dhcp

	if err := ConfigureNetworking(link.iptables, NetworkConfig{
		InterfaceName: ap.InterfaceName,
		ServerIP:      ip.String(),
		HTTPPort:      ap.HTTPPort,
		DNSPort:       ap.DNSPort,
	}); err != nil {
		return fmt.Errorf("failed to configure networking: %w", err)
	}

	return ap.waitReady(ctx, link.wpaSupplicant)
}

// waitReady waits for the kernel to report the interface operationally up,
// which for an access point means the BSS is beaconing. It fails as soon as
// wpa_supplicant exits.
func (ap *AP) waitReady(ctx context.Context, wpa *supervised) error {
	return pollUntil(ctx, ap.ActivationTimeout, ap.PollInterval, func() (bool, error) {
		if err := wpa.exited(); err != nil {
			return false, err
		}
		return linkReady(ap.InterfaceName)
	})
}

// Close stops wpa_supplicant and the DHCP server, removes the rules and
// resets the interface. Later calls return the first result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		var errs []error
		if l.wpaSupplicant != nil {
			log.Println("Stopping wpa_supplicant...")
			if err := l.wpaSupplicant.stop(); err != nil {
				errs = append(errs, fmt.Errorf("stopping wpa_supplicant: %w", err))
			}
		}
		if l.dhcpServer != nil {
			log.Println("Stopping DHCP server...")
			if err := l.dhcpServer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stopping DHCP server: %w", err))
			}
		}
		if l.iptables != nil {
			log.Println("Removing iptables rules...")
			if err := l.iptables.RemoveAllRules(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, file := range l.temporaryFiles {
			if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if l.InterfaceName != "" {
			if err := ResetInterface(l.InterfaceName); err != nil {
				errs = append(errs, err)
			}
		}
		l.closeErr = errors.Join(errs...)
		log.Println("Wireless AP cleanup completed.")
	})
	return l.closeErr
}

// supervised is a started child process whose exit is collected in the
// background.
type supervised struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error // valid once done is closed
}

func supervise(name string, cmd *exec.Cmd) *supervised {
	p := &supervised{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

// exited returns an error once the process has ended.
func (p *supervised) exited() error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		if p.err != nil {
			return fmt.Errorf("%s exited: %w", p.name, p.err)
		}
		return fmt.Errorf("%s exited", p.name)
	default:
		return nil
	}
}

// stop kills the process and waits for it to be reaped.
func (p *supervised) stop() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// pollUntil calls ready every interval until it reports true, returns an
// error, ctx ends, or timeout passes.
func pollUntil(ctx context.Context, timeout, interval time.Duration, ready func() (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %v", ErrActivationTimeout, timeout)
		case <-tick.C:
		}
	}
}

// Static is an activator for hosts whose network is configured outside the
// portal. It only reports the address.
type Static struct {
	IP net.IP
}

// Activate returns the configured address and a handle with nothing to
// release.
func (s Static) Activate(ctx context.Context) (io.Closer, net.IP, error) {
	ip := s.IP.To4()
	if ip == nil {
		return nil, nil, fmt.Errorf("static address %v is not IPv4", s.IP)
	}
	return staticLink{}, ip, nil
}

type staticLink struct{}

func (staticLink) Close() error { return nil }
