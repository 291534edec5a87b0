// Command lumen-device runs a simulated Lumen lamp on the loopback
// interface. It answers discovery and device control requests the way
// real hardware would and can inject failures, which makes it useful
// for trying lumen-scan and lumen-ctl without a device on the network
// and for exercising the client retry engine.
//
// Usage:
//
//	lumen-device [flags]
//
// Flags:
//
//	-serial string      Device serial, 12 hex digits (auto-generated if empty)
//	-label string       Device label (default "Virtual Lamp")
//	-port int           UDP port to bind, 0 for ephemeral (default 56700)
//	-power string       Initial power state: on, off (default "on")
//	-hue float          Initial hue in degrees 0-360 (default 0)
//	-saturation float   Initial saturation percent 0-100 (default 0)
//	-brightness float   Initial brightness percent 0-100 (default 100)
//	-kelvin uint        Initial color temperature (default 3500)
//
// Failure injection:
//
//	-drop-first int     Drop the first N requests without replying
//	-reply-twice        Send every reply twice
//	-wrong-source       Corrupt the source field of every reply
//	-junk-before        Send a malformed datagram before every reply
//	-mute               Never reply
//	-latency duration   Delay before each reply (e.g. 50ms)
//
// Examples:
//
//	# Run a lamp on the standard port
//	lumen-device -label "Desk Lamp"
//
//	# Scan for it from another terminal
//	lumen-scan -broadcast 127.0.0.1
//
//	# Exercise client retries with a flaky device
//	lumen-device -drop-first 2 -latency 50ms
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumen-protocol/lumen-go/internal/testharness"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/transport"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// Config holds the simulated device configuration.
type Config struct {
	Serial     string
	Label      string
	Port       int
	Power      string
	Hue        float64
	Saturation float64
	Brightness float64

	DropFirst   int
	ReplyTwice  bool
	WrongSource bool
	JunkBefore  bool
	Mute        bool
	Latency     time.Duration
}

var (
	config Config
	kelvin uint // Temp var for flag parsing
)

func init() {
	flag.StringVar(&config.Serial, "serial", "", "Device serial, 12 hex digits (auto-generated if empty)")
	flag.StringVar(&config.Label, "label", "Virtual Lamp", "Device label")
	flag.IntVar(&config.Port, "port", transport.DefaultPort, "UDP port to bind, 0 for ephemeral")
	flag.StringVar(&config.Power, "power", "on", "Initial power state: on, off")
	flag.Float64Var(&config.Hue, "hue", 0, "Initial hue in degrees 0-360")
	flag.Float64Var(&config.Saturation, "saturation", 0, "Initial saturation percent 0-100")
	flag.Float64Var(&config.Brightness, "brightness", 100, "Initial brightness percent 0-100")
	flag.UintVar(&kelvin, "kelvin", 3500, "Initial color temperature")

	flag.IntVar(&config.DropFirst, "drop-first", 0, "Drop the first N requests without replying")
	flag.BoolVar(&config.ReplyTwice, "reply-twice", false, "Send every reply twice")
	flag.BoolVar(&config.WrongSource, "wrong-source", false, "Corrupt the source field of every reply")
	flag.BoolVar(&config.JunkBefore, "junk-before", false, "Send a malformed datagram before every reply")
	flag.BoolVar(&config.Mute, "mute", false, "Never reply")
	flag.DurationVar(&config.Latency, "latency", 0, "Delay before each reply")
}

func main() {
	flag.Parse()

	setupLogging()

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	applyDefaults()

	serial, err := wire.ParseSerial(config.Serial)
	if err != nil {
		log.Fatalf("Invalid serial: %v", err)
	}

	power := packet.PowerOff
	if config.Power == "on" {
		power = packet.PowerOn
	}

	dev := testharness.NewDevice(testharness.DeviceConfig{
		Serial: serial,
		Label:  config.Label,
		Power:  power,
		Color: packet.Color{
			Hue:        scaleHue(config.Hue),
			Saturation: scalePercent(config.Saturation),
			Brightness: scalePercent(config.Brightness),
			Kelvin:     uint16(kelvin),
		},
		Port: config.Port,
	})
	dev.SetBehavior(testharness.Behavior{
		DropFirst:   config.DropFirst,
		ReplyTwice:  config.ReplyTwice,
		WrongSource: config.WrongSource,
		JunkBefore:  config.JunkBefore,
		Mute:        config.Mute,
		Latency:     config.Latency,
	})

	if err := dev.Start(); err != nil {
		log.Fatalf("Failed to start device: %v", err)
	}

	log.Println("Lumen Virtual Device")
	log.Println("====================")
	log.Printf("Serial:  %s", dev.Serial())
	log.Printf("Label:   %s", dev.Label())
	log.Printf("Address: %s", dev.Addr())
	log.Printf("Power:   %s", config.Power)
	logInjection()
	log.Printf("Reach it with: lumen-scan -broadcast 127.0.0.1 -port %d", dev.Port())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reportActivity(ctx, dev)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down...")
	cancel()
	dev.Close()
	log.Println("Goodbye!")
}

func setupLogging() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}

func validateConfig() error {
	switch config.Power {
	case "on", "off":
	default:
		return fmt.Errorf("power must be on or off, got %q", config.Power)
	}
	if config.Hue < 0 || config.Hue > 360 {
		return fmt.Errorf("hue must be 0-360, got %g", config.Hue)
	}
	if config.Saturation < 0 || config.Saturation > 100 {
		return fmt.Errorf("saturation must be 0-100, got %g", config.Saturation)
	}
	if config.Brightness < 0 || config.Brightness > 100 {
		return fmt.Errorf("brightness must be 0-100, got %g", config.Brightness)
	}
	if kelvin > 65535 {
		return fmt.Errorf("kelvin must be 0-65535, got %d", kelvin)
	}
	if config.DropFirst < 0 {
		return fmt.Errorf("drop-first must not be negative, got %d", config.DropFirst)
	}
	if config.Latency < 0 {
		return fmt.Errorf("latency must not be negative, got %v", config.Latency)
	}
	return nil
}

func applyDefaults() {
	if config.Serial == "" {
		config.Serial = fmt.Sprintf("d073d5%06x", time.Now().UnixNano()&0xFFFFFF)
	}
}

// logInjection reports any configured failure modes so a confusing
// client trace can be matched to its cause.
func logInjection() {
	var modes []string
	if config.DropFirst > 0 {
		modes = append(modes, fmt.Sprintf("drop-first=%d", config.DropFirst))
	}
	if config.ReplyTwice {
		modes = append(modes, "reply-twice")
	}
	if config.WrongSource {
		modes = append(modes, "wrong-source")
	}
	if config.JunkBefore {
		modes = append(modes, "junk-before")
	}
	if config.Mute {
		modes = append(modes, "mute")
	}
	if config.Latency > 0 {
		modes = append(modes, fmt.Sprintf("latency=%v", config.Latency))
	}
	if len(modes) == 0 {
		return
	}
	log.Printf("Failure injection: %v", modes)
}

// reportActivity logs request totals and device state whenever traffic
// arrived since the last tick.
func reportActivity(ctx context.Context, dev *testharness.Device) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := dev.ReceivedCount()
			if count == last {
				continue
			}
			last = count
			log.Printf("Handled %d requests: power %s, label %q, %s",
				count, powerString(dev.PowerLevel()), dev.Label(), colorString(dev.LightColor()))
		}
	}
}

func scaleHue(degrees float64) uint16 {
	return uint16(math.Round(degrees / 360 * 65535))
}

func scalePercent(pct float64) uint16 {
	return uint16(math.Round(pct / 100 * 65535))
}

func powerString(level uint16) string {
	if level == packet.PowerOff {
		return "off"
	}
	return "on"
}

func colorString(c packet.Color) string {
	return fmt.Sprintf("hue %.0f, sat %.0f%%, bri %.0f%%, %dK",
		float64(c.Hue)/65535*360, float64(c.Saturation)/65535*100,
		float64(c.Brightness)/65535*100, c.Kelvin)
}
