// Package transport owns the byte stream to the mount controller.
//
// A Channel exposes exactly two primitives: Write, and a stream of received
// replies. Incoming bytes are coalesced until the line has been silent for a
// short settle delay, because the controller delivers a multi-character reply
// across several bursts and gives no framing beyond the '#' terminator (and
// not even that on its one-character confirmations).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	// ErrOpen reports that the physical channel could not be opened.
	ErrOpen = errors.New("transport: open failed")
	// ErrWrite reports an I/O failure while writing a command.
	ErrWrite = errors.New("transport: write failed")
	// ErrClosed reports use of a channel after Close.
	ErrClosed = errors.New("transport: channel closed")
)

const (
	// DefaultSettleDelay is the silence that ends one reply.
	DefaultSettleDelay = 30 * time.Millisecond
	// BaudRate is fixed by the controller.
	BaudRate = 9600

	replyQueue = 8
	readBuffer = 256
)

// Dialer opens the byte stream to the controller.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

// openPort is swapped out in tests.
var openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// SerialDialer opens a serial port at 9600-8-N-1 with no flow control.
type SerialDialer struct {
	// PortName is the OS device path (e.g. "/dev/ttyUSB0", "COM3").
	PortName string
}

// Dial opens the serial port. serial.Open does not accept a context, so the
// open races ctx and a late port is closed rather than leaked.
func (d SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.PortName == "" {
		return nil, fmt.Errorf("%w: serial port name is required", ErrOpen)
	}
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type result struct {
		port io.ReadWriteCloser
		err  error
	}
	open := openPort
	ch := make(chan result, 1)
	go func() {
		p, err := open(d.PortName, mode)
		ch <- result{port: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, d.PortName, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOpen, d.PortName, r.err)
		}
		return r.port, nil
	}
}

// Channel is an open connection to the controller.
type Channel struct {
	rw     io.ReadWriteCloser
	settle time.Duration
	log    *zap.Logger

	writeMu sync.Mutex
	replies chan string
	chunks  chan []byte
	done    chan struct{}
	ended   chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Options tunes a Channel. Zero values select the defaults.
type Options struct {
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// Open dials the controller and starts the receive path.
func Open(ctx context.Context, d Dialer, opts Options) (*Channel, error) {
	rw, err := d.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return New(rw, opts), nil
}

// New wraps an already open byte stream.
func New(rw io.ReadWriteCloser, opts Options) *Channel {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Channel{
		rw:      rw,
		settle:  opts.SettleDelay,
		log:     opts.Logger.Named("transport"),
		replies: make(chan string, replyQueue),
		chunks:  make(chan []byte),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.coalesce()
	return c
}

// Write sends raw bytes. It does not wait for any reply.
func (c *Channel) Write(p []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Replies delivers each coalesced reply. The channel is closed when the
// underlying stream ends or the Channel is closed.
func (c *Channel) Replies() <-chan string {
	return c.replies
}

// Done is closed once Close has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Ended is closed once the receive path has stopped, either after Close or
// because the stream failed.
func (c *Channel) Ended() <-chan struct{} {
	return c.ended
}

// Close releases the stream and stops the receive path. It is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rw.Close()
		c.wg.Wait()
		c.log.Debug("channel closed")
	})
	return c.closeErr
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.chunks)
	buf := make([]byte, readBuffer)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.Warn("read failed", zap.Error(err))
				}
			}
			return
		}
	}
}

// coalesce gathers chunks until the line has been quiet for the settle delay,
// then hands the accumulated text to Replies.
func (c *Channel) coalesce() {
	defer c.wg.Done()
	defer close(c.ended)
	defer close(c.replies)

	var pending []byte
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		reply := string(pending)
		pending = pending[:0]
		select {
		case c.replies <- reply:
		default:
			c.log.Warn("reply dropped, nobody is waiting", zap.String("reply", reply))
		}
	}

	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				flush()
				return
			}
			pending = append(pending, chunk...)
			timer.Reset(c.settle)
		case <-timer.C:
			flush()
		case <-c.done:
			return
		}
	}
}
