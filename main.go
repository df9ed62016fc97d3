package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relayportal/config"
	"relayportal/dns"
	"relayportal/gpio"
	"relayportal/logging"
	"relayportal/metrics"
	"relayportal/portal"
	"relayportal/relay"
	"relayportal/session"
	"relayportal/utils"
	"relayportal/wireless"
)

// askToStopProcess prompts the user if they want to stop a conflicting process
// Returns true if the user chose to stop the process
func askToStopProcess(processName string, pid int, proto string, port int) bool {
	fmt.Printf("Port %s/%d is already in use by %s (PID %d). Do you want to stop it? [y/N]: ",
		proto, port, processName, pid)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// stopProcess attempts to stop a process by sending a SIGTERM signal
func stopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}

type requiredPort struct {
	proto string
	port  int
}

// checkPortsAndPrompt checks if required ports are available and prompts to stop conflicting processes
// Returns an error if any required port cannot be used
func checkPortsAndPrompt(ports ...requiredPort) error {
	for _, p := range ports {
		inUse, processName, pid, err := utils.IsPortInUse(p.proto, p.port)
		if err != nil {
			log.Printf("Warning: Could not check if port %s/%d is in use: %v", p.proto, p.port, err)
			continue
		}
		if !inUse {
			continue
		}
		if pid == 0 {
			return fmt.Errorf("port %s/%d is already in use by an unknown process", p.proto, p.port)
		}
		if !askToStopProcess(processName, pid, p.proto, p.port) {
			return fmt.Errorf("port %s/%d is required but already in use by %s (PID %d)",
				p.proto, p.port, processName, pid)
		}

		log.Printf("Stopping process %s (PID %d)...", processName, pid)
		if err := stopProcess(pid); err != nil {
			return fmt.Errorf("failed to stop process %s (PID %d): %w", processName, pid, err)
		}
		log.Printf("Waiting for port %s/%d to be released...", p.proto, p.port)
		time.Sleep(2 * time.Second)
	}
	return nil
}

// loadConfig reads the config file and applies the flags that were set on
// the command line.
func loadConfig() (*config.Config, error) {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	ssid := flag.String("ssid", "", "SSID of the wireless network")
	wifiInterface := flag.String("interface", "", "Name of the wireless interface to use (auto-detect if empty)")
	channel := flag.Int("channel", 0, "WiFi channel (1-13)")
	portalIP := flag.String("ip", "", "IP address of the portal")
	dnsPort := flag.Int("dns-port", 0, "Port for the DNS responder")
	httpPort := flag.Int("http-port", 0, "Port for the control page")
	metricsAddr := flag.String("metrics", "", "Address for the Prometheus listener (disabled if empty)")
	static := flag.Bool("static", false, "Serve on an address configured outside the portal instead of starting an access point")
	debug := flag.Bool("debug", false, "Log every DNS query")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ssid":
			cfg.AccessPoint.SSID = *ssid
		case "interface":
			cfg.AccessPoint.Interface = *wifiInterface
		case "channel":
			cfg.AccessPoint.Channel = *channel
		case "ip":
			cfg.AccessPoint.Address = *portalIP
		case "dns-port":
			cfg.Portal.DNSPort = *dnsPort
		case "http-port":
			cfg.Portal.HTTPPort = *httpPort
		case "metrics":
			cfg.Metrics.Address = *metricsAddr
		case "static":
			cfg.AccessPoint.Static = *static
		case "debug":
			cfg.Logging.Debug = *debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	logFile := logging.Setup(cfg.Logging)
	defer logFile.Close()

	// Bringing up an access point and binding privileged ports need root
	if !cfg.AccessPoint.Static && os.Geteuid() != 0 {
		log.Fatalf("This program must be run as root to create an access point (sudo)")
	}

	log.Println("Checking if required ports are available...")
	if err := checkPortsAndPrompt(
		requiredPort{"udp", cfg.Portal.DNSPort},
		requiredPort{"tcp", cfg.Portal.HTTPPort},
	); err != nil {
		log.Fatalf("Port conflict: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Portal stopped: %v", err)
	}
	log.Println("Shutdown complete")
}

// run wires the outputs, the request handlers and the access point into a
// dispatcher and serves until ctx ends.
func run(ctx context.Context, cfg *config.Config) error {
	pins, err := gpio.Open(gpio.PinMap{
		Open:      cfg.GPIO.OpenPin,
		Close:     cfg.GPIO.ClosePin,
		Indicator: cfg.GPIO.IndicatorPin,
		ActiveLow: cfg.GPIO.ActiveLow,
	})
	if err != nil {
		return err
	}
	relays := relay.NewActuator(pins)
	pins.Set(gpio.Indicator, false)

	pages, err := portal.RenderPages(portal.PageData{Title: cfg.Portal.Title, SSID: cfg.AccessPoint.SSID})
	if err != nil {
		return err
	}

	var activator session.Activator = wireless.NewAP(cfg)
	if cfg.AccessPoint.Static {
		activator = wireless.Static{IP: cfg.IP()}
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}

	dispatcher := session.New(session.Options{
		BindAddress:   cfg.Portal.BindAddress,
		HTTPPort:      cfg.Portal.HTTPPort,
		DNSPort:       cfg.Portal.DNSPort,
		DrainDelay:    cfg.Portal.DrainDelay,
		LingerTimeout: 500 * time.Millisecond,
		OnServing: func(info session.Info) {
			log.Printf("Portal ready: join %q and open http://%s/", cfg.AccessPoint.SSID, info.IP)
		},
	}, session.Deps{
		Activator: activator,
		Handler:   portal.NewHandler(relays, pages, cfg.Portal.ConnTimeout),
		Responder: dns.NewResponder(cfg.Portal.DNSTTL, cfg.Logging.Debug),
		Indicator: pins,
	})
	return dispatcher.Run(ctx)
}
