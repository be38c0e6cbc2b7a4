// Package protocol turns the half-duplex controller link into bounded,
// strictly serialized command exchanges.
//
// Only one exchange is ever on the wire. Every caller, including the guide
// pulse timers, goes through the same lock, so a second caller blocks until
// the first exchange has completed or timed out. No exchange is retried:
// repeating a stateful command such as an axis move could apply it twice.
package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/transport"
)

// DefaultReplyTimeout bounds every request/reply exchange.
const DefaultReplyTimeout = 2 * time.Second

var (
	// ErrTimeout reports that no reply arrived within the reply timeout.
	ErrTimeout = errors.New("protocol: timed out waiting for reply")
	// ErrProtocol reports a reply that arrived but could not be understood.
	ErrProtocol = errors.New("protocol: unexpected reply")
)

// Conn is the transport surface the engine needs.
type Conn interface {
	Write(p []byte) error
	Replies() <-chan string
}

// Engine serializes access to one Conn.
type Engine struct {
	conn    Conn
	timeout time.Duration
	log     *zap.Logger

	mu   sync.Mutex
	live atomic.Bool
}

// NewEngine returns an engine over conn. A non-positive timeout selects
// DefaultReplyTimeout.
func NewEngine(conn Conn, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		conn:    conn,
		timeout: timeout,
		log:     logger.Named("protocol"),
	}
}

// Send writes a command that has no reply.
func (e *Engine) Send(cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.Write([]byte(cmd)); err != nil {
		e.log.Error("send failed", zap.String("cmd", cmd), zap.Error(err))
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	e.log.Debug("sent", zap.String("cmd", cmd))
	return nil
}

// Request writes cmd and waits up to the reply timeout for the reply.
func (e *Engine) Request(cmd string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	replies := e.conn.Replies()
	e.discardStale(replies)

	start := time.Now()
	if err := e.conn.Write([]byte(cmd)); err != nil {
		e.log.Error("request failed", zap.String("cmd", cmd), zap.Error(err))
		return "", fmt.Errorf("request %s: %w", cmd, err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			e.live.Store(false)
			return "", fmt.Errorf("request %s: %w", cmd, transport.ErrClosed)
		}
		e.live.Store(true)
		e.log.Debug("exchange",
			zap.String("cmd", cmd),
			zap.String("reply", reply),
			zap.Duration("elapsed", time.Since(start)))
		return reply, nil
	case <-timer.C:
		e.live.Store(false)
		e.log.Error("timed out waiting for reply",
			zap.String("cmd", cmd),
			zap.Duration("timeout", e.timeout))
		return "", fmt.Errorf("request %s: %w", cmd, ErrTimeout)
	}
}

// Live reports whether the most recent exchange received a reply.
func (e *Engine) Live() bool {
	return e.live.Load()
}

// discardStale drops replies that arrived after an earlier exchange gave up,
// or that answer send-only commands.
func (e *Engine) discardStale(replies <-chan string) {
	for {
		select {
		case r, ok := <-replies:
			if !ok {
				return
			}
			e.log.Debug("discarding stale reply", zap.String("reply", r))
		default:
			return
		}
	}
}
