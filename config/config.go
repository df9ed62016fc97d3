// Package config holds the portal settings: built-in defaults, an optional
// YAML file on top of them, and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete portal configuration.
type Config struct {
	AccessPoint AccessPoint `yaml:"access_point"`
	Portal      Portal      `yaml:"portal"`
	GPIO        GPIO        `yaml:"gpio"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
}

// AccessPoint describes the Wi-Fi network clients join.
type AccessPoint struct {
	SSID              string        `yaml:"ssid"`
	Passphrase        string        `yaml:"passphrase"`
	Interface         string        `yaml:"interface"`
	Channel           int           `yaml:"channel"`
	Address           string        `yaml:"address"`
	ActivationTimeout time.Duration `yaml:"activation_timeout"`
	// Static skips radio bring-up and serves on Address as configured by
	// the host.
	Static bool `yaml:"static"`
}

// Portal configures the DNS and HTTP side.
type Portal struct {
	BindAddress string        `yaml:"bind_address"`
	HTTPPort    int           `yaml:"http_port"`
	DNSPort     int           `yaml:"dns_port"`
	DNSTTL      uint32        `yaml:"dns_ttl"`
	DrainDelay  time.Duration `yaml:"drain_delay"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	Title       string        `yaml:"title"`
}

// GPIO maps the outputs to BCM pin numbers.
type GPIO struct {
	OpenPin      int  `yaml:"open_pin"`
	ClosePin     int  `yaml:"close_pin"`
	IndicatorPin int  `yaml:"indicator_pin"`
	ActiveLow    bool `yaml:"active_low"`
}

// Logging configures log output.
type Logging struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Debug      bool   `yaml:"debug"`
}

// Metrics configures the Prometheus listener. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		AccessPoint: AccessPoint{
			SSID:              "Sam_Rc",
			Passphrase:        "12345678",
			Channel:           6,
			Address:           "192.168.4.1",
			ActivationTimeout: 15 * time.Second,
		},
		Portal: Portal{
			BindAddress: "0.0.0.0",
			HTTPPort:    80,
			DNSPort:     53,
			DNSTTL:      60,
			DrainDelay:  time.Second,
			Title:       "Sam's RC",
		},
		GPIO: GPIO{
			OpenPin:      26,
			ClosePin:     27,
			IndicatorPin: 2,
		},
		Logging: Logging{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// IP returns the access point address.
func (c *Config) IP() net.IP {
	return net.ParseIP(c.AccessPoint.Address).To4()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("validation failed with the following errors:\n")
	for _, err := range v {
		fmt.Fprintf(&b, "- %s\n", err)
	}
	return b.String()
}

// Validate reports all invalid settings at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	ap := c.AccessPoint
	if n := len(ap.SSID); n < 1 || n > 32 {
		errs = append(errs, fmt.Errorf("access_point.ssid must be 1 to 32 bytes, got %d", n))
	}
	if n := len(ap.Passphrase); n < 8 || n > 63 {
		errs = append(errs, fmt.Errorf("access_point.passphrase must be 8 to 63 characters, got %d", n))
	}
	if ap.Channel < 1 || ap.Channel > 13 {
		errs = append(errs, fmt.Errorf("access_point.channel must be between 1 and 13, got %d", ap.Channel))
	}
	if c.IP() == nil {
		errs = append(errs, fmt.Errorf("access_point.address %q is not an IPv4 address", ap.Address))
	}
	if ap.ActivationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("access_point.activation_timeout must be positive"))
	}

	p := c.Portal
	if net.ParseIP(p.BindAddress).To4() == nil {
		errs = append(errs, fmt.Errorf("portal.bind_address %q is not an IPv4 address", p.BindAddress))
	}
	if p.HTTPPort < 1 || p.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("portal.http_port must be between 1 and 65535, got %d", p.HTTPPort))
	}
	if p.DNSPort < 1 || p.DNSPort > 65535 {
		errs = append(errs, fmt.Errorf("portal.dns_port must be between 1 and 65535, got %d", p.DNSPort))
	}
	if p.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("portal.drain_delay cannot be negative"))
	}
	if p.ConnTimeout < 0 {
		errs = append(errs, fmt.Errorf("portal.conn_timeout cannot be negative"))
	}

	g := c.GPIO
	pins := map[int]string{}
	for _, pin := range []struct {
		name string
		num  int
	}{{"gpio.open_pin", g.OpenPin}, {"gpio.close_pin", g.ClosePin}, {"gpio.indicator_pin", g.IndicatorPin}} {
		if pin.num < 0 || pin.num > 27 {
			errs = append(errs, fmt.Errorf("%s must be a BCM pin between 0 and 27, got %d", pin.name, pin.num))
			continue
		}
		if other, ok := pins[pin.num]; ok {
			errs = append(errs, fmt.Errorf("%s uses pin %d already assigned to %s", pin.name, pin.num, other))
		}
		pins[pin.num] = pin.name
	}

	if c.Logging.File != "" && c.Logging.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("logging.max_size_mb must be positive when logging.file is set"))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
