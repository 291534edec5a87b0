package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lumen-protocol/lumen-go/internal/testharness"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

var testSerial = wire.MustParseSerial("d073d5123456")

func startDevice(t *testing.T, behavior testharness.Behavior) *testharness.Device {
	t.Helper()

	d := testharness.NewDevice(testharness.DeviceConfig{
		Serial: testSerial,
		Label:  "Desk Lamp",
		Power:  packet.PowerOff,
		Color:  packet.Color{Hue: 21845, Saturation: 65535, Brightness: 32768, Kelvin: 3500},
	})
	d.SetBehavior(behavior)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

// testConfig returns a connection config with short deadlines suited
// to loopback tests.
func testConfig(d *testharness.Device) Config {
	return Config{
		Serial:     testSerial,
		IP:         net.IPv4(127, 0, 0, 1),
		Port:       d.Port(),
		Timeout:    100 * time.Millisecond,
		MaxRetries: 3,
		Backoff:    BackoffConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Jitter: -1},
	}
}

func openConn(t *testing.T, cfg Config) *Connection {
	t.Helper()

	c := NewConnection(cfg)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		c := NewConnection(Config{Serial: testSerial, IP: net.IPv4(127, 0, 0, 1)})

		if got := c.State(); got != StateClosed {
			t.Errorf("State() = %v, want %v", got, StateClosed)
		}
		if c.ID() == "" {
			t.Error("ID() is empty")
		}
		if c.Source() == 0 {
			t.Error("Source() is zero")
		}
		if c.Serial() != testSerial {
			t.Errorf("Serial() = %v, want %v", c.Serial(), testSerial)
		}
		if c.LocalAddr() != nil {
			t.Error("LocalAddr() should be nil before open")
		}
		if got := c.RemoteAddr().Port; got != 56700 {
			t.Errorf("RemoteAddr().Port = %d, want default 56700", got)
		}
	})

	t.Run("OpenClose", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := NewConnection(testConfig(d))

		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if got := c.State(); got != StateOpen {
			t.Errorf("State() = %v after open, want %v", got, StateOpen)
		}
		if c.LocalAddr() == nil {
			t.Error("LocalAddr() is nil while open")
		}

		if err := c.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
			t.Errorf("second Open() = %v, want ErrAlreadyOpen", err)
		}

		if err := c.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}
		if got := c.State(); got != StateClosed {
			t.Errorf("State() = %v after close, want %v", got, StateClosed)
		}
		if err := c.Close(); err != nil {
			t.Errorf("second Close() = %v, want nil", err)
		}
	})

	t.Run("Reopen", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := NewConnection(testConfig(d))
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			if err := c.Open(ctx); err != nil {
				t.Fatalf("Open() cycle %d error: %v", i, err)
			}
			if _, err := c.Echo(ctx, []byte("ping")); err != nil {
				t.Fatalf("Echo() cycle %d error: %v", i, err)
			}
			if err := c.Close(); err != nil {
				t.Fatalf("Close() cycle %d error: %v", i, err)
			}
		}
	})

	t.Run("ConcurrentClose", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Close(); err != nil {
					t.Errorf("concurrent Close() = %v", err)
				}
			}()
		}
		wg.Wait()

		if got := c.State(); got != StateClosed {
			t.Errorf("State() = %v, want %v", got, StateClosed)
		}
	})

	t.Run("ConcurrentOpen", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := NewConnection(testConfig(d))
		t.Cleanup(func() { c.Close() })

		var wg sync.WaitGroup
		var opened, already int
		var mu sync.Mutex
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := c.Open(context.Background())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					opened++
				case errors.Is(err, ErrAlreadyOpen):
					already++
				default:
					t.Errorf("concurrent Open() = %v", err)
				}
			}()
		}
		wg.Wait()

		if opened != 1 {
			t.Errorf("%d opens succeeded, want exactly 1 (got %d ErrAlreadyOpen)", opened, already)
		}
		if got := c.State(); got != StateOpen {
			t.Errorf("State() = %v, want %v", got, StateOpen)
		}
	})
}

func TestEcho(t *testing.T) {
	d := startDevice(t, testharness.Behavior{})
	c := openConn(t, testConfig(d))

	msg := []byte("hello lumen")
	got, err := c.Echo(context.Background(), msg)
	if err != nil {
		t.Fatalf("Echo() error: %v", err)
	}

	if len(got) != packet.EchoPayloadSize {
		t.Fatalf("Echo() returned %d bytes, want %d", len(got), packet.EchoPayloadSize)
	}
	if !bytes.Equal(got[:len(msg)], msg) {
		t.Errorf("Echo() payload = %q, want prefix %q", got[:len(msg)], msg)
	}
	for i := len(msg); i < len(got); i++ {
		if got[i] != 0 {
			t.Errorf("Echo() byte %d = %#x, want zero padding", i, got[i])
			break
		}
	}
}

func TestRequestGet(t *testing.T) {
	d := startDevice(t, testharness.Behavior{})
	c := openConn(t, testConfig(d))
	ctx := context.Background()

	t.Run("Power", func(t *testing.T) {
		resp, err := c.Request(ctx, packet.GetPower())
		if err != nil {
			t.Fatalf("Request(GetPower) error: %v", err)
		}
		if resp.Type != packet.TypeStatePower {
			t.Fatalf("Type = %d, want %d", resp.Type, packet.TypeStatePower)
		}

		st, err := packet.DecodeStatePower(resp.Payload)
		if err != nil {
			t.Fatalf("DecodeStatePower error: %v", err)
		}
		if st.Level != packet.PowerOff {
			t.Errorf("Level = %d, want %d", st.Level, packet.PowerOff)
		}
	})

	t.Run("Label", func(t *testing.T) {
		resp, err := c.Request(ctx, packet.GetLabel())
		if err != nil {
			t.Fatalf("Request(GetLabel) error: %v", err)
		}

		st, err := packet.DecodeStateLabel(resp.Payload)
		if err != nil {
			t.Fatalf("DecodeStateLabel error: %v", err)
		}
		if st.Label != "Desk Lamp" {
			t.Errorf("Label = %q, want %q", st.Label, "Desk Lamp")
		}
	})

	t.Run("Color", func(t *testing.T) {
		resp, err := c.Request(ctx, packet.GetColor())
		if err != nil {
			t.Fatalf("Request(GetColor) error: %v", err)
		}

		st, err := packet.DecodeLightState(resp.Payload)
		if err != nil {
			t.Fatalf("DecodeLightState error: %v", err)
		}
		want := packet.Color{Hue: 21845, Saturation: 65535, Brightness: 32768, Kelvin: 3500}
		if st.Color != want {
			t.Errorf("Color = %+v, want %+v", st.Color, want)
		}
		if st.Label != "Desk Lamp" {
			t.Errorf("Label = %q, want %q", st.Label, "Desk Lamp")
		}
	})

	t.Run("ResponseSerial", func(t *testing.T) {
		resp, err := c.Request(ctx, packet.GetPower())
		if err != nil {
			t.Fatalf("Request(GetPower) error: %v", err)
		}
		if resp.Serial != testSerial {
			t.Errorf("Serial = %v, want %v", resp.Serial, testSerial)
		}
	})
}

func TestRequestSet(t *testing.T) {
	t.Run("PowerAcked", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		resp, err := c.Request(context.Background(), packet.SetPower(true))
		if err != nil {
			t.Fatalf("Request(SetPower) error: %v", err)
		}
		if !resp.Acked() {
			t.Errorf("Acked() = false, response type %d", resp.Type)
		}
		if resp.Unhandled() {
			t.Error("Unhandled() = true for an acked set")
		}
		if got := d.PowerLevel(); got != packet.PowerOn {
			t.Errorf("device power = %d, want %d", got, packet.PowerOn)
		}
	})

	t.Run("Label", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		resp, err := c.Request(context.Background(), packet.SetLabel("Bedroom"))
		if err != nil {
			t.Fatalf("Request(SetLabel) error: %v", err)
		}
		if !resp.Acked() {
			t.Errorf("Acked() = false, response type %d", resp.Type)
		}
		if got := d.Label(); got != "Bedroom" {
			t.Errorf("device label = %q, want %q", got, "Bedroom")
		}
	})

	t.Run("Color", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		want := packet.Color{Hue: 10000, Saturation: 20000, Brightness: 30000, Kelvin: 4000}
		resp, err := c.Request(context.Background(), packet.SetColor(want, 250*time.Millisecond))
		if err != nil {
			t.Fatalf("Request(SetColor) error: %v", err)
		}
		if !resp.Acked() {
			t.Errorf("Acked() = false, response type %d", resp.Type)
		}
		if got := d.LightColor(); got != want {
			t.Errorf("device color = %+v, want %+v", got, want)
		}
	})

	t.Run("UnhandledType", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		resp, err := c.Request(context.Background(), packet.Packet{Type: 4095, Kind: packet.KindSet})
		if err != nil {
			t.Fatalf("Request() error: %v", err)
		}
		if !resp.Unhandled() {
			t.Errorf("Unhandled() = false, response type %d", resp.Type)
		}
		if resp.Acked() {
			t.Error("Acked() = true for an unhandled set")
		}

		st, err := packet.DecodeStateUnhandled(resp.Payload)
		if err != nil {
			t.Fatalf("DecodeStateUnhandled error: %v", err)
		}
		if st.UnhandledType != 4095 {
			t.Errorf("UnhandledType = %d, want 4095", st.UnhandledType)
		}
	})
}

func TestRequestValidation(t *testing.T) {
	d := startDevice(t, testharness.Behavior{})
	c := openConn(t, testConfig(d))
	ctx := context.Background()

	t.Run("UnknownReplyType", func(t *testing.T) {
		_, err := c.Request(ctx, packet.Packet{Type: 4094, Kind: packet.KindGet})
		if !errors.Is(err, ErrUnknownReplyType) {
			t.Errorf("Request() = %v, want ErrUnknownReplyType", err)
		}
	})

	t.Run("SendOnlyKind", func(t *testing.T) {
		_, err := c.Request(ctx, packet.Packet{Type: packet.TypeStatePower, Kind: packet.KindOther})
		if err == nil {
			t.Error("Request() with KindOther succeeded, want error")
		}
	})
}

func TestRequestRetries(t *testing.T) {
	t.Run("RecoversFromDrops", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{DropFirst: 2})
		cfg := testConfig(d)
		cfg.MaxRetries = 4
		c := openConn(t, cfg)

		resp, err := c.Request(context.Background(), packet.GetPower())
		if err != nil {
			t.Fatalf("Request() error: %v", err)
		}
		if resp.Type != packet.TypeStatePower {
			t.Errorf("Type = %d, want %d", resp.Type, packet.TypeStatePower)
		}
		if got := d.ReceivedCount(); got != 3 {
			t.Errorf("device received %d requests, want 3", got)
		}
	})

	t.Run("ExhaustsBudget", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{Mute: true})
		cfg := testConfig(d)
		cfg.Timeout = 30 * time.Millisecond
		cfg.MaxRetries = 3
		c := openConn(t, cfg)

		_, err := c.Request(context.Background(), packet.GetPower())
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("Request() = %v, want ErrRequestTimeout", err)
		}
		if got := d.ReceivedCount(); got != 3 {
			t.Errorf("device received %d requests, want 3", got)
		}
	})

	t.Run("IgnoresWrongSource", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{WrongSource: true})
		cfg := testConfig(d)
		cfg.Timeout = 30 * time.Millisecond
		cfg.MaxRetries = 2
		c := openConn(t, cfg)

		_, err := c.Request(context.Background(), packet.GetPower())
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("Request() = %v, want ErrRequestTimeout", err)
		}
		if got := d.ReceivedCount(); got != 2 {
			t.Errorf("device received %d requests, want 2", got)
		}
	})

	t.Run("SurvivesJunkDatagrams", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{JunkBefore: true})
		c := openConn(t, testConfig(d))

		got, err := c.Echo(context.Background(), []byte("still here"))
		if err != nil {
			t.Fatalf("Echo() error: %v", err)
		}
		if !bytes.HasPrefix(got, []byte("still here")) {
			t.Errorf("Echo() = %q, want prefix %q", got, "still here")
		}
	})

	t.Run("DuplicateReplyDiscarded", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{ReplyTwice: true})
		c := openConn(t, testConfig(d))
		ctx := context.Background()

		// The duplicate arrives after the pending entry is consumed
		// and must not disturb later requests.
		for i := 0; i < 3; i++ {
			if _, err := c.Request(ctx, packet.GetPower()); err != nil {
				t.Fatalf("Request() #%d error: %v", i, err)
			}
		}
	})
}

func TestRequestContextCancel(t *testing.T) {
	d := startDevice(t, testharness.Behavior{Mute: true})
	cfg := testConfig(d)
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxRetries = 8
	c := openConn(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Request(ctx, packet.GetPower())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request() = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Request() took %v after cancel, want prompt return", elapsed)
	}
}

func TestCloseFailsPending(t *testing.T) {
	d := startDevice(t, testharness.Behavior{Mute: true})
	cfg := testConfig(d)
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxRetries = 8
	c := openConn(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), packet.GetPower())
		errCh <- err
	}()

	// Let the request reach its first await.
	time.Sleep(50 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending Request() = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not fail after close")
	}
}

func TestSendFireAndForget(t *testing.T) {
	d := startDevice(t, testharness.Behavior{})
	c := openConn(t, testConfig(d))

	if err := c.Send(context.Background(), packet.SetPower(true)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.PowerLevel() == packet.PowerOn {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device power = %d, want %d", d.PowerLevel(), packet.PowerOn)
}

func TestSequenceWraparound(t *testing.T) {
	c := NewConnection(Config{Serial: testSerial, IP: net.IPv4(127, 0, 0, 1)})

	for i := 0; i < 256; i++ {
		if got := c.nextSequence(); got != uint8(i) {
			t.Fatalf("nextSequence() #%d = %d, want %d", i, got, i)
		}
	}
	if got := c.nextSequence(); got != 0 {
		t.Errorf("nextSequence() #256 = %d, want wrap to 0", got)
	}
}

// encodeReply builds a device reply datagram for direct dispatch.
func encodeReply(t *testing.T, source uint32, seq uint8, serial wire.Serial, pktType uint16, payload []byte) []byte {
	t.Helper()

	msg, err := wire.EncodeMessage(&wire.Header{
		Source:   source,
		Target:   serial,
		Sequence: seq,
		Type:     pktType,
	}, payload)
	if err != nil {
		t.Fatalf("EncodeMessage error: %v", err)
	}
	return msg
}

func TestDispatchCorrelation(t *testing.T) {
	newOpenStub := func() *Connection {
		c := NewConnection(Config{Serial: testSerial, IP: net.IPv4(127, 0, 0, 1)})
		c.state.Store(int32(StateOpen))
		return c
	}

	t.Run("RoutesOutOfOrder", func(t *testing.T) {
		c := newOpenStub()

		keyA := pendingKey{source: c.source, sequence: 1, serial: testSerial}
		keyB := pendingKey{source: c.source, sequence: 2, serial: testSerial}
		pA, err := c.register(keyA, 1, true)
		if err != nil {
			t.Fatalf("register(A) error: %v", err)
		}
		pB, err := c.register(keyB, 1, true)
		if err != nil {
			t.Fatalf("register(B) error: %v", err)
		}

		power := packet.StatePower{Level: packet.PowerOn}
		label := packet.StateLabel{Label: "Lamp"}

		// B's reply lands before A's.
		c.dispatch(encodeReply(t, c.source, 2, testSerial, packet.TypeStateLabel, label.Encode()))
		c.dispatch(encodeReply(t, c.source, 1, testSerial, packet.TypeStatePower, power.Encode()))

		select {
		case del := <-pA.ch:
			if del.header.Type != packet.TypeStatePower {
				t.Errorf("A got type %d, want %d", del.header.Type, packet.TypeStatePower)
			}
		default:
			t.Error("A got no delivery")
		}
		select {
		case del := <-pB.ch:
			if del.header.Type != packet.TypeStateLabel {
				t.Errorf("B got type %d, want %d", del.header.Type, packet.TypeStateLabel)
			}
		default:
			t.Error("B got no delivery")
		}
	})

	t.Run("UnaryRemovedOnDelivery", func(t *testing.T) {
		c := newOpenStub()

		key := pendingKey{source: c.source, sequence: 9, serial: testSerial}
		p, err := c.register(key, 1, true)
		if err != nil {
			t.Fatalf("register error: %v", err)
		}

		reply := encodeReply(t, c.source, 9, testSerial, packet.TypeAcknowledgement, nil)
		c.dispatch(reply)
		c.dispatch(reply) // Duplicate after removal is dropped.

		if got := len(p.ch); got != 1 {
			t.Errorf("deliveries = %d, want 1", got)
		}

		c.pendingMu.Lock()
		_, exists := c.pending[key]
		c.pendingMu.Unlock()
		if exists {
			t.Error("unary entry still registered after delivery")
		}
	})

	t.Run("StreamEntryStays", func(t *testing.T) {
		c := newOpenStub()

		key := pendingKey{source: c.source, sequence: 5, serial: testSerial}
		p, err := c.register(key, 4, false)
		if err != nil {
			t.Fatalf("register error: %v", err)
		}

		reply := encodeReply(t, c.source, 5, testSerial, packet.TypeStateService, (&packet.StateService{Service: packet.ServiceUDP, Port: 56700}).Encode())
		c.dispatch(reply)
		c.dispatch(reply)

		if got := len(p.ch); got != 2 {
			t.Errorf("deliveries = %d, want 2", got)
		}

		c.pendingMu.Lock()
		_, exists := c.pending[key]
		c.pendingMu.Unlock()
		if !exists {
			t.Error("stream entry removed by delivery")
		}
	})

	t.Run("DropsUnmatched", func(t *testing.T) {
		c := newOpenStub()

		key := pendingKey{source: c.source, sequence: 3, serial: testSerial}
		p, err := c.register(key, 1, true)
		if err != nil {
			t.Fatalf("register error: %v", err)
		}

		// Wrong sequence, wrong source, wrong serial, malformed.
		c.dispatch(encodeReply(t, c.source, 4, testSerial, packet.TypeAcknowledgement, nil))
		c.dispatch(encodeReply(t, c.source+1, 3, testSerial, packet.TypeAcknowledgement, nil))
		c.dispatch(encodeReply(t, c.source, 3, wire.MustParseSerial("d073d5999999"), packet.TypeAcknowledgement, nil))
		c.dispatch([]byte{1, 2, 3})

		if got := len(p.ch); got != 0 {
			t.Errorf("deliveries = %d, want 0", got)
		}
	})

	t.Run("RegisterRequiresOpen", func(t *testing.T) {
		c := NewConnection(Config{Serial: testSerial, IP: net.IPv4(127, 0, 0, 1)})

		key := pendingKey{source: c.source, sequence: 1, serial: testSerial}
		if _, err := c.register(key, 1, true); !errors.Is(err, ErrNotOpen) {
			t.Errorf("register() on closed connection = %v, want ErrNotOpen", err)
		}
	})

	t.Run("RegisterRejectsDuplicateKey", func(t *testing.T) {
		c := newOpenStub()

		key := pendingKey{source: c.source, sequence: 1, serial: testSerial}
		if _, err := c.register(key, 1, true); err != nil {
			t.Fatalf("register error: %v", err)
		}
		if _, err := c.register(key, 1, true); err == nil {
			t.Error("duplicate register succeeded, want error")
		}
	})
}

func TestStream(t *testing.T) {
	t.Run("DeliversThenIdleEOF", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		cfg := testConfig(d)
		cfg.Timeout = 150 * time.Millisecond
		c := openConn(t, cfg)
		ctx := context.Background()

		s, err := c.RequestStream(ctx, packet.GetColor())
		if err != nil {
			t.Fatalf("RequestStream() error: %v", err)
		}
		defer s.Close()

		resp, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if resp.Type != packet.TypeLightState {
			t.Errorf("Type = %d, want %d", resp.Type, packet.TypeLightState)
		}

		if _, err := s.Next(ctx); err != io.EOF {
			t.Errorf("Next() after idle = %v, want io.EOF", err)
		}
		// The stream is spent; further calls return io.EOF at once.
		if _, err := s.Next(ctx); err != io.EOF {
			t.Errorf("Next() on ended stream = %v, want io.EOF", err)
		}
	})

	t.Run("DuplicatesVisible", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{ReplyTwice: true})
		c := openConn(t, testConfig(d))
		ctx := context.Background()

		s, err := c.RequestStream(ctx, packet.GetPower())
		if err != nil {
			t.Fatalf("RequestStream() error: %v", err)
		}
		defer s.Close()

		for i := 0; i < 2; i++ {
			resp, err := s.Next(ctx)
			if err != nil {
				t.Fatalf("Next() #%d error: %v", i, err)
			}
			if resp.Type != packet.TypeStatePower {
				t.Errorf("Next() #%d type = %d, want %d", i, resp.Type, packet.TypeStatePower)
			}
		}
	})

	t.Run("CloseEndsStream", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))
		ctx := context.Background()

		s, err := c.RequestStream(ctx, packet.GetPower())
		if err != nil {
			t.Fatalf("RequestStream() error: %v", err)
		}
		s.Close()
		s.Close() // Idempotent.

		if _, err := s.Next(ctx); err != io.EOF {
			t.Errorf("Next() after Close = %v, want io.EOF", err)
		}
	})

	t.Run("RejectsSetKind", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{})
		c := openConn(t, testConfig(d))

		if _, err := c.RequestStream(context.Background(), packet.SetPower(true)); err == nil {
			t.Error("RequestStream(SetPower) succeeded, want error")
		}
	})

	t.Run("ConnectionCloseEndsStream", func(t *testing.T) {
		d := startDevice(t, testharness.Behavior{Mute: true})
		c := openConn(t, testConfig(d))
		ctx := context.Background()

		s, err := c.RequestStream(ctx, packet.GetPower())
		if err != nil {
			t.Fatalf("RequestStream() error: %v", err)
		}
		defer s.Close()

		if err := c.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}

		if _, err := s.Next(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("Next() after connection close = %v, want ErrClosed", err)
		}
	})
}

func TestLazyOpenOnRequest(t *testing.T) {
	d := startDevice(t, testharness.Behavior{})
	c := NewConnection(testConfig(d))
	t.Cleanup(func() { c.Close() })

	// No explicit Open: the first request binds the transport.
	if _, err := c.Echo(context.Background(), []byte("lazy")); err != nil {
		t.Fatalf("Echo() on unopened connection error: %v", err)
	}
	if got := c.State(); got != StateOpen {
		t.Errorf("State() = %v after lazy open, want %v", got, StateOpen)
	}
}
