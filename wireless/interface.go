package wireless

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sysClassNet lists the network interfaces of the host.
var sysClassNet = "/sys/class/net"

// runCommand runs an external tool and returns its combined output on
// failure.
var runCommand = func(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// FindWirelessInterface returns the first wireless interface that is not
// already up.
func FindWirelessInterface() (string, error) {
	entries, err := os.ReadDir(sysClassNet)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		ifname := entry.Name()
		if ifname == "lo" {
			continue
		}
		if _, err := os.Stat(filepath.Join(sysClassNet, ifname, "wireless")); err != nil {
			continue
		}
		if iface, err := net.InterfaceByName(ifname); err == nil && iface.Flags&net.FlagUp != 0 {
			continue
		}
		return ifname, nil
	}

	return "", fmt.Errorf("no available wireless interface found")
}

// ConfigureInterface assigns ip/24 to the interface and brings it up.
func ConfigureInterface(interfaceName string, ip net.IP) error {
	steps := []struct {
		what string
		args []string
	}{
		{"bring interface down", []string{"link", "set", interfaceName, "down"}},
		{"flush interface IP", []string{"addr", "flush", "dev", interfaceName}},
		{"set interface IP", []string{"addr", "add", ip.String() + "/24", "dev", interfaceName}},
		{"bring interface up", []string{"link", "set", interfaceName, "up"}},
	}
	for _, step := range steps {
		if err := runCommand("ip", step.args...); err != nil {
			return fmt.Errorf("failed to %s: %w", step.what, err)
		}
	}
	return nil
}

// ResetInterface takes the interface down and removes its addresses.
func ResetInterface(interfaceName string) error {
	downErr := runCommand("ip", "link", "set", interfaceName, "down")
	flushErr := runCommand("ip", "addr", "flush", "dev", interfaceName)
	if downErr != nil {
		return downErr
	}
	return flushErr
}

// linkReady reports whether the kernel considers the interface
// operationally up. A wireless interface stays dormant or down until its
// access point is running.
func linkReady(interfaceName string) (bool, error) {
	state, err := os.ReadFile(filepath.Join(sysClassNet, interfaceName, "operstate"))
	if err != nil {
		return false, fmt.Errorf("reading state of %s: %w", interfaceName, err)
	}
	return strings.TrimSpace(string(state)) == "up", nil
}
