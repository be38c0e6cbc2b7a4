package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func newPipeChannel(t *testing.T, settle time.Duration) (*Channel, net.Conn) {
	t.Helper()
	host, device := net.Pipe()
	c := New(host, Options{SettleDelay: settle})
	t.Cleanup(func() {
		c.Close()
		device.Close()
	})
	return c, device
}

func waitReply(t *testing.T, c *Channel, within time.Duration) string {
	t.Helper()
	select {
	case r, ok := <-c.Replies():
		require.True(t, ok, "replies closed")
		return r
	case <-time.After(within):
		t.Fatal("no reply")
		return ""
	}
}

func TestChannelCoalescesBursts(t *testing.T) {
	c, device := newPipeChannel(t, 30*time.Millisecond)

	go func() {
		device.Write([]byte("+45*"))
		time.Sleep(10 * time.Millisecond)
		device.Write([]byte("30:"))
		time.Sleep(10 * time.Millisecond)
		device.Write([]byte("00#"))
	}()

	assert.Equal(t, "+45*30:00#", waitReply(t, c, time.Second))
}

func TestChannelSeparatesRepliesAfterSilence(t *testing.T) {
	c, device := newPipeChannel(t, 20*time.Millisecond)

	go func() {
		device.Write([]byte("1"))
		time.Sleep(100 * time.Millisecond)
		device.Write([]byte("East#"))
	}()

	assert.Equal(t, "1", waitReply(t, c, time.Second))
	assert.Equal(t, "East#", waitReply(t, c, time.Second))
}

func TestChannelWrite(t *testing.T) {
	c, device := newPipeChannel(t, 0)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := device.Read(buf)
		got <- string(buf[:n])
	}()

	require.NoError(t, c.Write([]byte(":GR#")))
	assert.Equal(t, ":GR#", <-got)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	c, _ := newPipeChannel(t, 0)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	err := c.Write([]byte(":Q#"))
	assert.ErrorIs(t, err, ErrClosed)

	_, ok := <-c.Replies()
	assert.False(t, ok, "replies must be closed after Close")
}

func TestChannelWriteFailure(t *testing.T) {
	host, device := net.Pipe()
	device.Close()
	c := New(host, Options{})
	defer c.Close()

	err := c.Write([]byte(":Q#"))
	assert.ErrorIs(t, err, ErrWrite)
}

type nopPort struct{ io.ReadWriteCloser }

func TestSerialDialer(t *testing.T) {
	orig := openPort
	defer func() { openPort = orig }()

	var gotName string
	var gotMode *serial.Mode
	host, _ := net.Pipe()
	openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		gotName, gotMode = name, mode
		return nopPort{host}, nil
	}

	rw, err := SerialDialer{PortName: "/dev/ttyUSB0"}.Dial(context.Background())
	require.NoError(t, err)
	defer rw.Close()

	assert.Equal(t, "/dev/ttyUSB0", gotName)
	assert.Equal(t, 9600, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)
	assert.Equal(t, serial.NoParity, gotMode.Parity)
	assert.Equal(t, serial.OneStopBit, gotMode.StopBits)
}

func TestSerialDialerFailures(t *testing.T) {
	orig := openPort
	defer func() { openPort = orig }()

	_, err := SerialDialer{}.Dial(context.Background())
	assert.ErrorIs(t, err, ErrOpen)

	openPort = func(string, *serial.Mode) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}
	_, err = Open(context.Background(), SerialDialer{PortName: "COM9"}, Options{})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "no such device")

	release := make(chan struct{})
	openPort = func(string, *serial.Mode) (io.ReadWriteCloser, error) {
		<-release
		return nil, errors.New("late")
	}
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SerialDialer{PortName: "COM9"}.Dial(ctx)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpenWrapsDialerErrors(t *testing.T) {
	_, err := Open(context.Background(), DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("busy")
	}), Options{})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestChannelEndedWhenStreamFails(t *testing.T) {
	c, device := newPipeChannel(t, 10*time.Millisecond)

	select {
	case <-c.Ended():
		t.Fatal("ended while the stream is open")
	default:
	}

	device.Close()
	select {
	case <-c.Ended():
	case <-time.After(time.Second):
		t.Fatal("not ended after the far side went away")
	}
	select {
	case <-c.Done():
		t.Fatal("Done is reserved for Close")
	default:
	}
}
