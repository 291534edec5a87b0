// Command lumen-scan performs one-shot discovery of Lumen devices on
// the local network.
//
// It broadcasts a service query, collects replies until the network
// goes quiet or the overall timeout expires, and prints a table of the
// devices found.
//
// Usage:
//
//	lumen-scan [flags]
//
// Flags:
//
//	-timeout duration       Overall scan timeout (default 5s)
//	-max-response duration  Reply window a healthy device answers within (default 500ms)
//	-idle float             Idle multiplier applied to the reply window (default 2)
//	-port int               UDP port to scan (default 56700)
//	-broadcast string       Broadcast address (default "255.255.255.255")
//	-protocol-log string    Write protocol events to this CBOR log file
//	-registry string        Merge results into this device registry file
//
// Examples:
//
//	# Quick scan with defaults
//	lumen-scan
//
//	# Scan a directed broadcast domain and remember the devices
//	lumen-scan -broadcast 192.168.1.255 -registry lumen-devices.yaml
//
//	# Capture protocol events for analysis with lumen-log
//	lumen-scan -protocol-log scan.llog
//
// Exit code is 0 if at least one device was found, 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/discovery"
	lumenlog "github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/registry"
	"github.com/lumen-protocol/lumen-go/pkg/transport"
)

func main() {
	var (
		timeout      time.Duration
		maxResponse  time.Duration
		idle         float64
		port         int
		broadcast    string
		protocolLog  string
		registryPath string
	)
	flag.DurationVar(&timeout, "timeout", discovery.DefaultOverallTimeout, "Overall scan timeout")
	flag.DurationVar(&maxResponse, "max-response", discovery.DefaultMaxResponseTime, "Reply window a healthy device answers within")
	flag.Float64Var(&idle, "idle", discovery.DefaultIdleMultiplier, "Idle multiplier applied to the reply window")
	flag.IntVar(&port, "port", transport.DefaultPort, "UDP port to scan")
	flag.StringVar(&broadcast, "broadcast", transport.DefaultBroadcastAddr, "Broadcast address")
	flag.StringVar(&protocolLog, "protocol-log", "", "Write protocol events to this CBOR log file")
	flag.StringVar(&registryPath, "registry", "", "Merge results into this device registry file")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	var logger lumenlog.Logger = lumenlog.NoopLogger{}
	if protocolLog != "" {
		fileLogger, err := lumenlog.NewFileLogger(protocolLog)
		if err != nil {
			log.Fatalf("Failed to open protocol log: %v", err)
		}
		defer fileLogger.Close()
		logger = fileLogger
	}

	opts := discovery.Options{
		OverallTimeout:  timeout,
		MaxResponseTime: maxResponse,
		IdleMultiplier:  idle,
		Port:            port,
		BroadcastAddr:   broadcast,
		Logger:          logger,
	}

	log.Printf("Scanning %s:%d for up to %s...", broadcast, port, timeout)

	start := time.Now()
	ch, err := discovery.Scan(context.Background(), opts)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	var found []discovery.DiscoveredDevice
	for d := range ch {
		found = append(found, d)
		log.Printf("Found %s at %s:%d (rtt %s)",
			d.Serial, d.IP, d.Port, d.Latency.Round(10*time.Microsecond))
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if registryPath != "" {
		store := registry.NewStore(registryPath)
		reg, err := store.Load()
		if err != nil {
			log.Fatalf("Failed to load registry: %v", err)
		}
		added := reg.Merge(found)
		if err := store.Save(reg); err != nil {
			log.Fatalf("Failed to save registry: %v", err)
		}
		log.Printf("Registry %s updated (%d new)", registryPath, added)
	}

	if len(found) == 0 {
		log.Printf("No devices found after %s", elapsed)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("%-12s  %-15s  %-5s  %s\n", "Serial", "IP", "Port", "Latency")
	fmt.Println("------------------------------------------------")
	for _, d := range found {
		fmt.Printf("%-12s  %-15s  %-5d  %s\n",
			d.Serial, d.IP, d.Port, d.Latency.Round(10*time.Microsecond))
	}
	fmt.Println()

	log.Printf("Found %d device(s) in %s", len(found), elapsed)
}
