package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// openLoopback binds a transport to an ephemeral loopback port.
func openLoopback(t *testing.T) *Transport {
	t.Helper()

	tr := NewTransport(Config{LocalIP: "127.0.0.1"})
	if err := tr.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// frameTestMessage builds a valid protocol message for loopback tests.
func frameTestMessage(t *testing.T, seq uint8, payload []byte) []byte {
	t.Helper()

	h := &wire.Header{
		Source:   0xABCD1234,
		Target:   wire.MustParseSerial("d073d5010203"),
		Sequence: seq,
		Type:     58,
	}
	data, err := wire.EncodeMessage(h, payload)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	return data
}

type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *capturingLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func TestOpenClose(t *testing.T) {
	tr := NewTransport(Config{LocalIP: "127.0.0.1"})

	if err := tr.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	addr := tr.LocalAddr()
	if addr == nil {
		t.Fatal("LocalAddr is nil after Open")
	}
	if addr.Port == 0 {
		t.Error("LocalAddr has no port")
	}

	// Second Open is a no-op on the same socket.
	if err := tr.Open(); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if got := tr.LocalAddr(); got.Port != addr.Port {
		t.Errorf("port changed after second Open: %d != %d", got.Port, addr.Port)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if tr.LocalAddr() != nil {
		t.Error("LocalAddr not nil after Close")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestOpenInvalidIP(t *testing.T) {
	tr := NewTransport(Config{LocalIP: "not-an-ip"})
	if err := tr.Open(); err == nil {
		t.Error("expected error for invalid local IP")
	}
}

func TestSendReceive(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	msg := frameTestMessage(t, 7, []byte{0x01, 0x02, 0x03})
	if err := sender.Send(msg, receiver.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	data, addr, err := receiver.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(data, msg) {
		t.Errorf("received %x, want %x", data, msg)
	}
	if addr.Port != sender.LocalAddr().Port {
		t.Errorf("origin port = %d, want %d", addr.Port, sender.LocalAddr().Port)
	}
}

func TestSendNotOpen(t *testing.T) {
	tr := NewTransport(Config{})
	err := tr.Send([]byte{0x00}, BroadcastAddr(0))
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send = %v, want ErrNotOpen", err)
	}
}

func TestReceiveNotOpen(t *testing.T) {
	tr := NewTransport(Config{})
	_, _, err := tr.Receive(time.Millisecond)
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("Receive = %v, want ErrNotOpen", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	tr := openLoopback(t)

	_, _, err := tr.Receive(50 * time.Millisecond)
	if !errors.Is(err, ErrReceiveTimeout) {
		t.Errorf("Receive = %v, want ErrReceiveTimeout", err)
	}
}

func TestReceiveSizeValidation(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	if err := sender.Send(make([]byte, 10), receiver.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, _, err := receiver.Receive(time.Second)
	if !errors.Is(err, wire.ErrMessageTooSmall) {
		t.Errorf("Receive = %v, want ErrMessageTooSmall", err)
	}

	if err := sender.Send(make([]byte, 1500), receiver.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, _, err = receiver.Receive(time.Second)
	if !errors.Is(err, wire.ErrMessageTooLarge) {
		t.Errorf("Receive = %v, want ErrMessageTooLarge", err)
	}
}

func TestReceiveManyFiltersInvalid(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	addr := receiver.LocalAddr()
	if err := sender.Send(frameTestMessage(t, 1, nil), addr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := sender.Send(make([]byte, 5), addr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := sender.Send(frameTestMessage(t, 2, []byte{0xAA}), addr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	datagrams, err := receiver.ReceiveMany(500*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("ReceiveMany failed: %v", err)
	}
	if len(datagrams) != 2 {
		t.Fatalf("collected %d datagrams, want 2", len(datagrams))
	}
	for _, d := range datagrams {
		if len(d.Data) < wire.MinMessageSize {
			t.Errorf("undersized datagram passed validation: %d bytes", len(d.Data))
		}
	}
}

func TestReceiveManyHonorsMaxPackets(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	addr := receiver.LocalAddr()
	for seq := uint8(0); seq < 4; seq++ {
		if err := sender.Send(frameTestMessage(t, seq, nil), addr); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	datagrams, err := receiver.ReceiveMany(500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("ReceiveMany failed: %v", err)
	}
	if len(datagrams) != 2 {
		t.Errorf("collected %d datagrams, want 2", len(datagrams))
	}
}

func TestReceiveManyEmptyOnTimeout(t *testing.T) {
	receiver := openLoopback(t)

	datagrams, err := receiver.ReceiveMany(50*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("ReceiveMany failed: %v", err)
	}
	if len(datagrams) != 0 {
		t.Errorf("collected %d datagrams, want 0", len(datagrams))
	}
}

func TestBroadcastAddr(t *testing.T) {
	addr := BroadcastAddr(0)
	if addr.IP.String() != DefaultBroadcastAddr {
		t.Errorf("IP = %s, want %s", addr.IP, DefaultBroadcastAddr)
	}
	if addr.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", addr.Port, DefaultPort)
	}

	if got := BroadcastAddr(1234); got.Port != 1234 {
		t.Errorf("Port = %d, want 1234", got.Port)
	}
}

func TestDatagramLogging(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	senderLog := &capturingLogger{}
	receiverLog := &capturingLogger{}
	sender.SetLogger(senderLog, "conn-out")
	receiver.SetLogger(receiverLog, "conn-in")

	msg := frameTestMessage(t, 9, []byte{0xBE, 0xEF})
	if err := sender.Send(msg, receiver.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, _, err := receiver.Receive(time.Second); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	outEvents := senderLog.Events()
	if len(outEvents) != 1 {
		t.Fatalf("sender logged %d events, want 1", len(outEvents))
	}
	out := outEvents[0]
	if out.Direction != log.DirectionOut || out.Layer != log.LayerTransport {
		t.Errorf("out event = %+v, want OUT/TRANSPORT", out)
	}
	if out.ConnectionID != "conn-out" {
		t.Errorf("ConnectionID = %q, want conn-out", out.ConnectionID)
	}
	if out.Datagram == nil || out.Datagram.Sequence != 9 || out.Datagram.Type != 58 {
		t.Errorf("out datagram = %+v, want seq 9 type 58", out.Datagram)
	}
	if out.Serial != "d073d5010203" {
		t.Errorf("Serial = %q, want d073d5010203", out.Serial)
	}

	inEvents := receiverLog.Events()
	if len(inEvents) != 1 {
		t.Fatalf("receiver logged %d events, want 1", len(inEvents))
	}
	in := inEvents[0]
	if in.Direction != log.DirectionIn {
		t.Errorf("in event direction = %v, want IN", in.Direction)
	}
	if in.RemoteAddr == "" {
		t.Error("in event has no remote address")
	}
	if in.Datagram == nil || in.Datagram.Size != len(msg) {
		t.Errorf("in datagram = %+v, want size %d", in.Datagram, len(msg))
	}
}

func TestDatagramLogTruncation(t *testing.T) {
	sender := openLoopback(t)
	receiver := openLoopback(t)

	logger := &capturingLogger{}
	sender.SetLogger(logger, "conn-trunc")

	msg := frameTestMessage(t, 1, make([]byte, 500))
	if err := sender.Send(msg, receiver.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("logged %d events, want 1", len(events))
	}
	datagram := events[0].Datagram
	if datagram == nil {
		t.Fatal("Datagram is nil")
	}
	if !datagram.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(datagram.Data) != MaxLogDatagramSize {
		t.Errorf("logged %d bytes, want %d", len(datagram.Data), MaxLogDatagramSize)
	}
	if datagram.Size != len(msg) {
		t.Errorf("Size = %d, want %d (full datagram size)", datagram.Size, len(msg))
	}
}
