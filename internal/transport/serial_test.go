package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort is an in-memory serial.Port that returns zero-byte reads when empty,
// like a real port hitting its read timeout.
type fakePort struct {
	serial.Port

	in     *bytes.Buffer
	out    bytes.Buffer
	closed bool
	resets int
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if p.in.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	return p.in.Read(buf)
}

func (p *fakePort) Write(buf []byte) (int, error)      { return p.out.Write(buf) }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) Close() error                       { p.closed = true; return nil }
func (p *fakePort) ResetInputBuffer() error            { p.resets++; return nil }

func newFakeSerial(t *testing.T, incoming []byte) (*SerialTransport, *fakePort) {
	t.Helper()

	port := &fakePort{in: bytes.NewBuffer(incoming)}
	tr := NewSerialTransport("/dev/ttyFAKE0", 0)
	tr.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		if mode.BaudRate != DefaultSerialBaud {
			t.Fatalf("unexpected baud rate %d", mode.BaudRate)
		}
		return port, nil
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return tr, port
}

func TestSerialTransportReadWrite(t *testing.T) {
	frame, err := encodeFrame([]byte("abc"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tr, port := newFakeSerial(t, frame)

	got, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("unexpected payload %q", got)
	}

	if err := tr.WriteFrame(context.Background(), []byte("xyz")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	want, _ := encodeFrame([]byte("xyz"))
	if !bytes.Equal(port.out.Bytes(), want) {
		t.Fatalf("unexpected bytes written: %x", port.out.Bytes())
	}

	if err := tr.Close(); err != nil || !port.closed {
		t.Fatalf("close: err=%v closed=%v", err, port.closed)
	}
}

func TestSerialTransportReadHonorsContext(t *testing.T) {
	tr, _ := newFakeSerial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSerialTransportValidation(t *testing.T) {
	tr := NewSerialTransport("", 9600)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected error for empty port")
	}
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSerialTransportDiscardsStaleInputOnConnect(t *testing.T) {
	tr, port := newFakeSerial(t, nil)
	defer tr.Close()

	if port.resets != 1 {
		t.Fatalf("expected input buffer reset once, got %d", port.resets)
	}
}

func TestListSerialPortsSorted(t *testing.T) {
	orig := listPorts
	t.Cleanup(func() { listPorts = orig })

	listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB1", "/dev/pts/3", "/dev/ttyACM0"}, nil }
	got, err := ListSerialPorts()
	if err != nil {
		t.Fatalf("list ports: %v", err)
	}
	want := []string{"/dev/pts/3", "/dev/ttyACM0", "/dev/ttyUSB1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v", got)
		}
	}

	listPorts = func() ([]string, error) { return nil, errors.New("no access") }
	if _, err := ListSerialPorts(); err == nil {
		t.Fatalf("expected error from port enumeration")
	}
}
