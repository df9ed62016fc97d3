package wireless

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"
	"text/template"

	"golang.org/x/crypto/pbkdf2"
)

// WPASupplicantConfig contains the configuration for the wpa_supplicant
type WPASupplicantConfig struct {
	SSID          string
	Passphrase    string
	InterfaceName string
	Channel       int
	ConfigPath    string
}

var wpaConfTemplate = template.Must(template.New("wpa").Parse(`# access point configuration
ctrl_interface=/var/run/wpa_supplicant
ap_scan=2
country=GB

network={
    ssid={{.SSIDHex}}
    mode=2
    frequency={{.Frequency}}
    key_mgmt=WPA-PSK
    proto=RSN
    pairwise=CCMP
    group=CCMP
    psk={{.PSK}}
}
`))

// channelFrequency converts a 2.4 GHz channel number to its centre
// frequency in MHz.
func channelFrequency(channel int) int {
	return 2412 + (channel-1)*5
}

// derivePSK computes the 256-bit pre-shared key the same way wpa_passphrase
// does, so the passphrase never appears in the config file.
func derivePSK(ssid, passphrase string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New))
}

// renderWPAConfig returns the wpa_supplicant configuration for an access
// point with WPA2-PSK.
func renderWPAConfig(config WPASupplicantConfig) ([]byte, error) {
	if n := len(config.Passphrase); n < 8 || n > 63 {
		return nil, fmt.Errorf("passphrase must be 8 to 63 characters, got %d", n)
	}
	if config.Channel < 1 || config.Channel > 13 {
		return nil, fmt.Errorf("unsupported channel %d", config.Channel)
	}

	var buf bytes.Buffer
	err := wpaConfTemplate.Execute(&buf, struct {
		SSIDHex   string
		Frequency int
		PSK       string
	}{
		SSIDHex:   hex.EncodeToString([]byte(config.SSID)),
		Frequency: channelFrequency(config.Channel),
		PSK:       derivePSK(config.SSID, config.Passphrase),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetupWPASupplicant writes the configuration and starts wpa_supplicant in
// access point mode. Readiness is checked by the caller.
func SetupWPASupplicant(config WPASupplicantConfig) (*exec.Cmd, error) {
	if _, err := exec.LookPath("wpa_supplicant"); err != nil {
		return nil, fmt.Errorf("wpa_supplicant is not installed: %w", err)
	}

	content, err := renderWPAConfig(config)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(config.ConfigPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write wpa_supplicant config: %w", err)
	}

	cmd := exec.Command("wpa_supplicant", "-i", config.InterfaceName, "-c", config.ConfigPath, "-D", "nl80211")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get wpa_supplicant stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start wpa_supplicant: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			log.Printf("[wpa_supplicant] %s", scanner.Text())
		}
	}()

	return cmd, nil
}
