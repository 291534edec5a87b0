// Package interactive provides the interactive command-line interface
// for lumen-ctl.
package interactive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/lumen-protocol/lumen-go/pkg/connection"
	"github.com/lumen-protocol/lumen-go/pkg/discovery"
	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/registry"
)

// ControllerConfig provides scan settings to the interactive controller.
// This interface allows the interactive layer to access configuration
// without depending on the main package's config structure.
type ControllerConfig interface {
	// ScanTimeout returns the overall timeout for the scan command.
	ScanTimeout() time.Duration

	// ScanPort returns the UDP port used for discovery and devices.
	ScanPort() int

	// BroadcastAddr returns the discovery broadcast address.
	BroadcastAddr() string
}

// Controller handles interactive mode for lumen-ctl.
type Controller struct {
	reg    *registry.Registry
	config ControllerConfig
	logger log.Logger
	rl     *readline.Instance

	// Active device connection
	conn   *connection.Connection
	serial string

	// Watch loop control
	watchCancel  context.CancelFunc
	watchDone    chan struct{}
	watchRunning bool
}

// New creates a new interactive controller.
func New(reg *registry.Registry, logger log.Logger, cfg ControllerConfig) (*Controller, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lumen> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Controller{
		reg:    reg,
		config: cfg,
		logger: logger,
		rl:     rl,
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Controller) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (c *Controller) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the interactive command loop.
func (c *Controller) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer func() {
		c.stopWatch()
		c.closeConn()
	}()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "scan":
			c.cmdScan(args)

		case "devices", "list", "ls":
			c.cmdDevices()

		case "use", "u":
			c.cmdUse(args)

		case "power", "p":
			c.cmdPower(args)

		case "color", "c":
			c.cmdColor(args)

		case "label":
			c.cmdLabel(args)

		case "echo", "ping":
			c.cmdEcho(args)

		case "watch", "w":
			c.cmdWatch()

		case "status":
			c.cmdStatus()

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Controller) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Lumen Controller Commands:
  Discovery:
    scan [timeout]        - Discover devices on the LAN and update the registry
    devices               - List known devices (* marks the active one)
    use <serial>          - Select the active device (partial serials match)

  Device Control:
    power [on|off]        - Query or change device power
    color [h s b k [dur]] - Query or set color: hue 0-360, saturation and
                            brightness 0-100, kelvin 1500-9000, optional
                            transition duration (e.g. 500ms)
    label [new]           - Query or set the device label
    echo [text]           - Round-trip a payload through the device
    watch                 - Toggle polling the active device for state changes

  General:
    status                - Show controller status
    help                  - Show this help
    quit                  - Exit`)
}

// cmdScan discovers devices and merges them into the registry.
func (c *Controller) cmdScan(args []string) {
	timeout := c.config.ScanTimeout()
	if len(args) >= 1 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Invalid timeout: %v\n", err)
			return
		}
		timeout = d
	}

	opts := discovery.Options{
		OverallTimeout: timeout,
		Port:           c.config.ScanPort(),
		BroadcastAddr:  c.config.BroadcastAddr(),
		Logger:         c.logger,
	}

	fmt.Fprintf(c.rl.Stdout(), "Scanning for up to %s...\n", timeout)

	ch, err := discovery.Scan(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Scan failed: %v\n", err)
		return
	}

	var found []discovery.DiscoveredDevice
	for d := range ch {
		found = append(found, d)
		fmt.Fprintf(c.rl.Stdout(), "  %s  %s:%d  rtt %s\n",
			d.Serial, d.IP, d.Port, d.Latency.Round(10*time.Microsecond))
	}

	added := c.reg.Merge(found)
	fmt.Fprintf(c.rl.Stdout(), "Found %d device(s), %d new\n", len(found), added)
}

// cmdDevices lists the registry contents.
func (c *Controller) cmdDevices() {
	devices := c.reg.Sorted()
	if len(devices) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No known devices (run 'scan' first)")
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "\nKnown Devices (%d):\n", len(devices))
	fmt.Fprintf(c.rl.Stdout(), "  %-12s  %-20s  %-21s  %s\n", "Serial", "Label", "Address", "Last Seen")
	fmt.Fprintln(c.rl.Stdout(), "----------------------------------------------------------------------")

	for _, d := range devices {
		marker := " "
		if d.Serial == c.serial {
			marker = "*"
		}

		label := d.Label
		if label == "" {
			label = "-"
		}
		if len(label) > 20 {
			label = label[:17] + "..."
		}

		addr := "-"
		if d.IP != "" {
			addr = fmt.Sprintf("%s:%d", d.IP, d.Port)
		}

		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(c.rl.Stdout(), "%s %-12s  %-20s  %-21s  %s\n", marker, d.Serial, label, addr, lastSeen)
	}
	fmt.Fprintln(c.rl.Stdout())
}

// cmdUse selects the active device and opens a connection to it.
func (c *Controller) cmdUse(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: use <serial>")
		fmt.Fprintln(c.rl.Stdout(), "  Use 'devices' to list known serials")
		return
	}

	serial := resolveSerial(c.reg, args[0])
	if serial == "" {
		fmt.Fprintf(c.rl.Stdout(), "Device not found: %s (run 'scan' first)\n", args[0])
		return
	}

	cfg, err := c.reg.ConnectionConfig(serial)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Cannot connect to %s: %v\n", serial, err)
		return
	}
	cfg.Logger = c.logger

	c.stopWatch()
	c.closeConn()

	conn := connection.NewConnection(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Failed to open connection: %v\n", err)
		return
	}

	c.conn = conn
	c.serial = serial

	if dev := c.reg.Device(serial); dev != nil && dev.Label != "" {
		fmt.Fprintf(c.rl.Stdout(), "Using %s (%s) at %s\n", serial, dev.Label, conn.RemoteAddr())
	} else {
		fmt.Fprintf(c.rl.Stdout(), "Using %s at %s\n", serial, conn.RemoteAddr())
	}
}

// cmdPower queries or changes the device power level.
func (c *Controller) cmdPower(args []string) {
	conn := c.active()
	if conn == nil {
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	if len(args) == 0 {
		resp, err := conn.Request(ctx, packet.GetPower())
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		if resp.Unhandled() {
			fmt.Fprintln(c.rl.Stdout(), "Device does not implement power queries")
			return
		}
		st, err := packet.DecodeStatePower(resp.Payload)
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.rl.Stdout(), "Power: %s\n", powerString(st.Level))
		return
	}

	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		fmt.Fprintln(c.rl.Stdout(), "Usage: power [on|off]")
		return
	}

	resp, err := conn.Request(ctx, packet.SetPower(on))
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	c.reportSetResult(resp, "power control")
}

// cmdColor queries or changes the device color.
func (c *Controller) cmdColor(args []string) {
	conn := c.active()
	if conn == nil {
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	if len(args) == 0 {
		resp, err := conn.Request(ctx, packet.GetColor())
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		if resp.Unhandled() {
			fmt.Fprintln(c.rl.Stdout(), "Device does not implement light state")
			return
		}
		st, err := packet.DecodeLightState(resp.Payload)
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.rl.Stdout(), "Label: %s\n", st.Label)
		fmt.Fprintf(c.rl.Stdout(), "Power: %s\n", powerString(st.Power))
		fmt.Fprintf(c.rl.Stdout(), "Color: %s\n", colorString(st.Color))
		return
	}

	if len(args) < 4 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: color <hue> <saturation> <brightness> <kelvin> [transition]")
		fmt.Fprintln(c.rl.Stdout(), "  hue 0-360, saturation and brightness 0-100, kelvin 1500-9000")
		fmt.Fprintln(c.rl.Stdout(), "  Example: color 120 100 80 3500 500ms")
		return
	}

	color, transition, err := parseColorArgs(args)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Invalid color: %v\n", err)
		return
	}

	resp, err := conn.Request(ctx, packet.SetColor(color, transition))
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	c.reportSetResult(resp, "color control")
}

// cmdLabel queries or changes the device label.
func (c *Controller) cmdLabel(args []string) {
	conn := c.active()
	if conn == nil {
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	if len(args) == 0 {
		resp, err := conn.Request(ctx, packet.GetLabel())
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		if resp.Unhandled() {
			fmt.Fprintln(c.rl.Stdout(), "Device does not implement label queries")
			return
		}
		st, err := packet.DecodeStateLabel(resp.Payload)
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.rl.Stdout(), "Label: %s\n", st.Label)
		return
	}

	label := strings.Join(args, " ")
	if len(label) > packet.LabelSize {
		fmt.Fprintf(c.rl.Stdout(), "Label too long (%d bytes, max %d)\n", len(label), packet.LabelSize)
		return
	}

	resp, err := conn.Request(ctx, packet.SetLabel(label))
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if resp.Acked() {
		_ = c.reg.SetLabel(c.serial, label)
		fmt.Fprintf(c.rl.Stdout(), "Label set to %q\n", label)
		return
	}
	c.reportSetResult(resp, "label changes")
}

// cmdEcho round-trips a payload through the device and reports the RTT.
func (c *Controller) cmdEcho(args []string) {
	conn := c.active()
	if conn == nil {
		return
	}

	text := fmt.Sprintf("lumen-ctl %d", time.Now().UnixNano())
	if len(args) > 0 {
		text = strings.Join(args, " ")
	}
	payload := []byte(text)
	if len(payload) > packet.EchoPayloadSize {
		payload = payload[:packet.EchoPayloadSize]
	}

	ctx, cancel := requestContext()
	defer cancel()

	start := time.Now()
	reply, err := conn.Echo(ctx, payload)
	rtt := time.Since(start).Round(10 * time.Microsecond)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Echo failed: %v\n", err)
		return
	}
	if !bytes.HasPrefix(reply, payload) {
		fmt.Fprintln(c.rl.Stdout(), "Echo reply does not match request payload")
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Echo OK: %d bytes in %s\n", len(reply), rtt)
}

// cmdWatch toggles the background state poller.
func (c *Controller) cmdWatch() {
	if c.watchRunning {
		c.stopWatch()
		fmt.Fprintln(c.rl.Stdout(), "Watch stopped")
		return
	}

	conn := c.active()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.watchDone = make(chan struct{})
	c.watchRunning = true
	go func() {
		defer close(c.watchDone)
		c.runWatch(ctx, conn)
	}()

	fmt.Fprintln(c.rl.Stdout(), "Watching device state (type 'watch' again to stop)")
}

// cmdStatus shows the controller status.
func (c *Controller) cmdStatus() {
	fmt.Fprintln(c.rl.Stdout(), "\nController Status")
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(c.rl.Stdout(), "  Known devices:  %d\n", len(c.reg.Devices))

	if c.conn != nil {
		fmt.Fprintf(c.rl.Stdout(), "  Active device:  %s\n", c.serial)
		if dev := c.reg.Device(c.serial); dev != nil && dev.Label != "" {
			fmt.Fprintf(c.rl.Stdout(), "  Label:          %s\n", dev.Label)
		}
		fmt.Fprintf(c.rl.Stdout(), "  Connection:     %s (%s)\n", c.conn.RemoteAddr(), c.conn.State())
		fmt.Fprintf(c.rl.Stdout(), "  Source:         %08x\n", c.conn.Source())
	} else {
		fmt.Fprintf(c.rl.Stdout(), "  Active device:  none\n")
	}

	watch := "stopped"
	if c.watchRunning {
		watch = "running"
	}
	fmt.Fprintf(c.rl.Stdout(), "  Watch:          %s\n", watch)
	fmt.Fprintln(c.rl.Stdout())
}

// runWatch polls the active device and prints state changes.
func (c *Controller) runWatch(ctx context.Context, conn *connection.Connection) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last *packet.LightState

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			resp, err := conn.Request(reqCtx, packet.GetColor())
			cancel()
			if err != nil {
				continue
			}
			if resp.Unhandled() {
				fmt.Fprintf(c.rl.Stdout(), "\n[%s] Device does not implement light state\n",
					time.Now().Format("15:04:05"))
				c.rl.Refresh()
				return
			}
			st, err := packet.DecodeLightState(resp.Payload)
			if err != nil {
				continue
			}
			if last == nil || *st != *last {
				fmt.Fprintf(c.rl.Stdout(), "\n[%s] %s: power %s, %s\n",
					time.Now().Format("15:04:05"), st.Label, powerString(st.Power), colorString(st.Color))
				c.rl.Refresh()
				last = st
			}
		}
	}
}

// stopWatch stops the background state poller and waits for it to exit.
func (c *Controller) stopWatch() {
	if !c.watchRunning {
		return
	}
	c.watchCancel()
	<-c.watchDone
	c.watchRunning = false
}

// active returns the current connection, printing a hint when none is
// selected.
func (c *Controller) active() *connection.Connection {
	if c.conn == nil {
		fmt.Fprintln(c.rl.Stdout(), "No active device (use 'use <serial>' first)")
		return nil
	}
	return c.conn
}

// closeConn closes the active connection if there is one.
func (c *Controller) closeConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.serial = ""
}

// reportSetResult prints the outcome of a SET request.
func (c *Controller) reportSetResult(resp *connection.Response, what string) {
	switch {
	case resp.Acked():
		fmt.Fprintln(c.rl.Stdout(), "OK")
	case resp.Unhandled():
		fmt.Fprintf(c.rl.Stdout(), "Device does not implement %s\n", what)
	default:
		fmt.Fprintf(c.rl.Stdout(), "Unexpected reply type %d\n", resp.Type)
	}
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// resolveSerial matches a serial fragment against the registry. Exact
// matches win; otherwise the first device whose serial contains the
// fragment is used.
func resolveSerial(reg *registry.Registry, partial string) string {
	partial = strings.ToLower(partial)
	if reg.Device(partial) != nil {
		return partial
	}
	for _, d := range reg.Sorted() {
		if strings.Contains(d.Serial, partial) {
			return d.Serial
		}
	}
	return ""
}

// parseColorArgs parses "hue sat brightness kelvin [transition]". The
// caller guarantees at least four arguments.
func parseColorArgs(args []string) (packet.Color, time.Duration, error) {
	hue, err := strconv.ParseFloat(args[0], 64)
	if err != nil || hue < 0 || hue > 360 {
		return packet.Color{}, 0, fmt.Errorf("hue must be a number between 0 and 360")
	}
	sat, err := strconv.ParseFloat(args[1], 64)
	if err != nil || sat < 0 || sat > 100 {
		return packet.Color{}, 0, fmt.Errorf("saturation must be a number between 0 and 100")
	}
	bri, err := strconv.ParseFloat(args[2], 64)
	if err != nil || bri < 0 || bri > 100 {
		return packet.Color{}, 0, fmt.Errorf("brightness must be a number between 0 and 100")
	}
	kelvin, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return packet.Color{}, 0, fmt.Errorf("kelvin must be a number between 0 and 65535")
	}

	var transition time.Duration
	if len(args) >= 5 {
		transition, err = time.ParseDuration(args[4])
		if err != nil {
			return packet.Color{}, 0, fmt.Errorf("invalid transition: %w", err)
		}
	}

	color := packet.Color{
		Hue:        scaleHue(hue),
		Saturation: scalePercent(sat),
		Brightness: scalePercent(bri),
		Kelvin:     uint16(kelvin),
	}
	return color, transition, nil
}

// powerString renders a raw power level as on/off.
func powerString(level uint16) string {
	if level == packet.PowerOff {
		return "off"
	}
	return "on"
}

// colorString renders a color in the units the color command accepts.
func colorString(color packet.Color) string {
	return fmt.Sprintf("hue %.0f, sat %.0f%%, bri %.0f%%, %dK",
		hueDegrees(color.Hue), percentOf(color.Saturation), percentOf(color.Brightness), color.Kelvin)
}

// scaleHue converts degrees (0-360) to the wire range.
func scaleHue(degrees float64) uint16 {
	return uint16(math.Round(degrees / 360 * 65535))
}

// scalePercent converts a percentage (0-100) to the wire range.
func scalePercent(pct float64) uint16 {
	return uint16(math.Round(pct / 100 * 65535))
}

// hueDegrees converts a wire hue back to degrees.
func hueDegrees(v uint16) float64 {
	return float64(v) / 65535 * 360
}

// percentOf converts a wire value back to a percentage.
func percentOf(v uint16) float64 {
	return float64(v) / 65535 * 100
}
