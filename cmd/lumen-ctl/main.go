// Command lumen-ctl is an interactive controller for Lumen devices.
//
// It discovers devices on the local network, remembers them in a YAML
// registry and drives them from an interactive prompt.
//
// Usage:
//
//	lumen-ctl [flags]
//
// Flags:
//
//	-registry string        Device registry file (default "lumen-devices.yaml")
//	-protocol-log string    Write protocol events to this CBOR log file
//	-scan-timeout duration  Overall discovery timeout for the scan command (default 5s)
//	-port int               UDP port for discovery and device connections (default 56700)
//	-broadcast string       Broadcast address for discovery (default "255.255.255.255")
//	-reset                  Clear the device registry before starting
//
// Examples:
//
//	# Start the controller with the default registry
//	lumen-ctl
//
//	# Keep a protocol log for later analysis with lumen-log
//	lumen-ctl -protocol-log session.llog
//
//	# Scan a directed broadcast domain on a non-standard port
//	lumen-ctl -broadcast 192.168.1.255 -port 56701
//
// Interactive Commands:
//
//	scan [timeout]        - Discover devices and update the registry
//	devices               - List known devices
//	use <serial>          - Select the active device
//	power [on|off]        - Query or change device power
//	color [h s b k [dur]] - Query or set device color
//	label [new]           - Query or set the device label
//	echo [text]           - Round-trip a payload through the device
//	watch                 - Toggle state polling
//	status                - Show controller status
//	quit                  - Exit the controller
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumen-protocol/lumen-go/cmd/lumen-ctl/interactive"
	"github.com/lumen-protocol/lumen-go/pkg/discovery"
	lumenlog "github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/registry"
	"github.com/lumen-protocol/lumen-go/pkg/transport"
)

// Config holds the controller configuration.
// It implements interactive.ControllerConfig.
type Config struct {
	RegistryPath     string
	ProtocolLog      string
	ScanTimeoutValue time.Duration
	PortValue        int
	BroadcastValue   string
	Reset            bool
}

// ScanTimeout implements interactive.ControllerConfig.
func (c *Config) ScanTimeout() time.Duration {
	return c.ScanTimeoutValue
}

// ScanPort implements interactive.ControllerConfig.
func (c *Config) ScanPort() int {
	return c.PortValue
}

// BroadcastAddr implements interactive.ControllerConfig.
func (c *Config) BroadcastAddr() string {
	return c.BroadcastValue
}

var config Config

func init() {
	flag.StringVar(&config.RegistryPath, "registry", "lumen-devices.yaml", "Device registry file path")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write protocol events to this CBOR log file")
	flag.DurationVar(&config.ScanTimeoutValue, "scan-timeout", discovery.DefaultOverallTimeout, "Overall discovery timeout for the scan command")
	flag.IntVar(&config.PortValue, "port", transport.DefaultPort, "UDP port for discovery and device connections")
	flag.StringVar(&config.BroadcastValue, "broadcast", transport.DefaultBroadcastAddr, "Broadcast address for discovery")
	flag.BoolVar(&config.Reset, "reset", false, "Clear the device registry before starting")
}

func main() {
	flag.Parse()

	setupLogging()

	log.Println("Lumen Interactive Controller")
	log.Println("============================")

	store := registry.NewStore(config.RegistryPath)

	if config.Reset {
		log.Println("Clearing device registry...")
		if err := store.Clear(); err != nil {
			log.Printf("Warning: failed to clear registry: %v", err)
		}
	}

	reg, err := store.Load()
	if err != nil {
		log.Fatalf("Failed to load registry: %v", err)
	}
	log.Printf("Registry: %s (%d known devices)", config.RegistryPath, len(reg.Devices))

	var logger lumenlog.Logger = lumenlog.NoopLogger{}
	if config.ProtocolLog != "" {
		fileLogger, err := lumenlog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			log.Fatalf("Failed to open protocol log: %v", err)
		}
		defer fileLogger.Close()
		logger = fileLogger
		log.Printf("Protocol log: %s", config.ProtocolLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ic, err := interactive.New(reg, logger, &config)
	if err != nil {
		log.Fatalf("Failed to create interactive controller: %v", err)
	}

	// Redirect log output through readline to avoid interfering with input
	log.SetOutput(ic.Stdout())
	go ic.Run(ctx, cancel)

	// Wait for shutdown signal or context cancellation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Context was cancelled by the interactive quit command
	}

	log.Println("Shutting down...")

	if err := store.Save(reg); err != nil {
		log.Printf("Warning: failed to save registry: %v", err)
	}

	cancel()

	log.Println("Goodbye!")
}

func setupLogging() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}
