package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/aftvgo/aftvserver/internal/config"
	"github.com/aftvgo/aftvserver/internal/driver"
	"github.com/aftvgo/aftvserver/internal/driver/adb"
	"github.com/aftvgo/aftvserver/internal/mqtt"
	"github.com/aftvgo/aftvserver/internal/server"
	"github.com/aftvgo/aftvserver/internal/session"
)

const version = "1.0.0"

var (
	portFlag    int
	configFlag  string
	defaultFlag string
	verboseFlag bool
)

func main() {
	flag.IntVarP(&portFlag, "port", "p", 0, "Listen port (overrides config)")
	flag.StringVarP(&configFlag, "config", "c", "", "Path to config file")
	flag.StringVarP(&defaultFlag, "default", "d", "", "Default Fire TV host in <address>:<port> form")
	flag.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose logging")
	flag.Parse()

	if verboseFlag {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
		log.Printf("verbose logging enabled")
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := driver.NewRegistry(adb.NewDriver())
	manager, err := session.NewManager(cfg, registry)
	if err != nil {
		return err
	}
	defer manager.Close()

	metrics := server.NewMetrics(manager, version)
	manager.OnReconnectAttempt(metrics.ReconnectObserved)

	var bridge *mqtt.Bridge
	if cfg.MQTT != nil {
		bridge, err = mqtt.NewBridge(cfg.MQTT, manager)
		if err != nil {
			return err
		}
		defer bridge.Close()
		manager.OnStateChange(bridge.StateChanged)
	}

	srv := server.New(cfg.Listen, manager, metrics)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Printf("listening on %s, devices: %v", cfg.Listen, cfg.DeviceNames())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(manager)
				continue
			}
			log.Printf("shutting down on %s", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	}
}

// loadConfig merges the config file, the --default device, and the --port
// override.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFlag != "" {
		loaded, err := config.Load(configFlag)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("loaded configuration from %s", configFlag)
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	if defaultFlag != "" {
		dev, err := defaultDevice(cfg, defaultFlag)
		if err != nil {
			return nil, err
		}
		if cfg.Devices == nil {
			cfg.Devices = make(map[string]config.Device)
		}
		cfg.Devices["default"] = dev
	}

	if portFlag != 0 {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	return cfg, nil
}

// defaultDevice parses the --default host and enforces that it does not
// collide with the configured devices.
func defaultDevice(cfg *config.Config, hostport string) (config.Device, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return config.Device{}, fmt.Errorf("invalid default host %q: expected <address>:<port>", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return config.Device{}, fmt.Errorf("invalid default host %q: bad port", hostport)
	}

	if _, ok := cfg.Devices["default"]; ok {
		return config.Device{}, fmt.Errorf(`device name "default" in config is not allowed with --default`)
	}
	for name, dev := range cfg.Devices {
		if dev.Addr() == hostport {
			return config.Device{}, fmt.Errorf("default host %s already configured as device %q", hostport, name)
		}
	}

	dev := config.Device{Host: host, Port: port}
	dev.Normalize()
	return dev, nil
}

// reload re-reads the config file on SIGHUP. A rejected reload keeps the
// previous configuration active.
func reload(manager *session.Manager) {
	if configFlag == "" {
		log.Printf("reload requested but no config file was given")
		return
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("reload rejected: %v", err)
		return
	}
	diff, err := manager.ApplyConfig(cfg)
	if err != nil {
		log.Printf("reload rejected: %v", err)
		return
	}
	if diff.Empty() {
		log.Printf("reload: no device changes")
		return
	}
	log.Printf("reload: added %v, removed %v, changed %v", diff.Added, diff.Removed, diff.Changed)
}
