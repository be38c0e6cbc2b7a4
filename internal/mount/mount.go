// Package mount exposes the typed operation set of a GotoStar mount.
package mount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/gotostar/internal/codec"
	"github.com/shaunagostinho/gotostar/internal/guide"
	"github.com/shaunagostinho/gotostar/internal/protocol"
	"github.com/shaunagostinho/gotostar/internal/transport"
)

const (
	// DefaultSampleInterval separates the two RA samples of Tracking.
	DefaultSampleInterval = 1200 * time.Millisecond
	// DefaultGuideRateSettle is the pause between a guide rate change and
	// the UTC offset restore.
	DefaultGuideRateSettle = 200 * time.Millisecond

	// trackingEpsilon is the largest RA change, in minutes, still counted
	// as tracking.
	trackingEpsilon = 1e-7
)

var (
	// ErrInvalidArgument is returned before any I/O when an argument is out
	// of range.
	ErrInvalidArgument = errors.New("mount: invalid argument")
	// ErrNotConnected is returned when no channel is open.
	ErrNotConnected = errors.New("mount: not connected")
)

// Config is everything the mount needs from its host.
type Config struct {
	PortName string
	Verbose  bool

	ReplyTimeout    time.Duration
	SettleDelay     time.Duration
	SampleInterval  time.Duration
	GuideRateSettle time.Duration

	// Dialer overrides the serial port, e.g. with a simulator.
	Dialer transport.Dialer
}

func (c *Config) applyDefaults() {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = protocol.DefaultReplyTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = transport.DefaultSettleDelay
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.GuideRateSettle <= 0 {
		c.GuideRateSettle = DefaultGuideRateSettle
	}
	if c.Dialer == nil {
		c.Dialer = transport.SerialDialer{PortName: c.PortName}
	}
}

// Mount is a connection to one controller.
type Mount struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	ch      *transport.Channel
	eng     *protocol.Engine
	guide   *guide.Scheduler
	version string

	siteMu  sync.Mutex
	siteLat float64
	siteLon float64
}

// New returns an unconnected mount. Debug output, including every exchange,
// is only logged when cfg.Verbose is set.
func New(cfg Config, logger *zap.Logger) *Mount {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Verbose && logger.Core().Enabled(zapcore.DebugLevel) {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return &Mount{
		cfg:     cfg,
		log:     logger,
		siteLat: math.NaN(),
		siteLon: math.NaN(),
	}
}

// Connect opens the channel and handshakes with the controller using :V# and :Vs#.
// It returns the controller version.
func (m *Mount) Connect(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		return m.version, nil
	}

	ch, err := transport.Open(ctx, m.cfg.Dialer, transport.Options{
		SettleDelay: m.cfg.SettleDelay,
		Logger:      m.log,
	})
	if err != nil {
		return "", err
	}
	eng := protocol.NewEngine(ch, m.cfg.ReplyTimeout, m.log)

	if _, err := eng.Request(":V#"); err != nil {
		ch.Close()
		return "", fmt.Errorf("mount: handshake: %w", err)
	}
	version, err := eng.Request(":Vs#")
	if err != nil {
		ch.Close()
		return "", fmt.Errorf("mount: handshake: %w", err)
	}

	m.ch = ch
	m.eng = eng
	m.version = strings.TrimSuffix(strings.TrimSpace(version), "#")
	m.guide = guide.NewScheduler(eng, m.slewing(eng), m.log)
	m.log.Info("connected",
		zap.String("port", m.cfg.PortName),
		zap.String("version", m.version))
	return m.version, nil
}

// Close stops any guide pulse and releases the channel. It is idempotent.
func (m *Mount) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil
	}
	m.guide.Abort()
	err := m.ch.Close()
	m.ch, m.eng, m.guide = nil, nil, nil
	m.log.Info("disconnected", zap.String("port", m.cfg.PortName))
	return err
}

// Connected reports whether a channel is open.
func (m *Mount) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ch != nil
}

// Live reports whether the last exchange was answered.
func (m *Mount) Live() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eng != nil && m.eng.Live()
}

// Version returns the controller version reported during the handshake.
func (m *Mount) Version() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ch == nil {
		return "", ErrNotConnected
	}
	return m.version, nil
}

// Done is closed when the link stops receiving, or is nil when not
// connected.
func (m *Mount) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ch == nil {
		return nil
	}
	return m.ch.Ended()
}

func (m *Mount) engine() (*protocol.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.eng == nil {
		return nil, ErrNotConnected
	}
	return m.eng, nil
}

func (m *Mount) scheduler() (*guide.Scheduler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.guide == nil {
		return nil, ErrNotConnected
	}
	return m.guide, nil
}

func (m *Mount) request(cmd string) (string, error) {
	eng, err := m.engine()
	if err != nil {
		return "", err
	}
	return eng.Request(cmd)
}

func (m *Mount) send(cmd string) error {
	eng, err := m.engine()
	if err != nil {
		return err
	}
	return eng.Send(cmd)
}

// confirm sends cmd and expects the controller's "1".
func (m *Mount) confirm(cmd string) error {
	reply, err := m.request(cmd)
	if err != nil {
		return err
	}
	if normalize(reply) != "1" {
		return fmt.Errorf("%s: %w: %q", cmd, protocol.ErrProtocol, reply)
	}
	return nil
}

func normalize(reply string) string {
	return strings.TrimSuffix(strings.TrimSpace(reply), "#")
}

func parseError(cmd string, err error) error {
	return fmt.Errorf("%s: %w: %w", cmd, protocol.ErrProtocol, err)
}

func (m *Mount) degrees(cmd string) (float64, error) {
	reply, err := m.request(cmd)
	if err != nil {
		return math.NaN(), err
	}
	v, err := codec.ParseSignedDMS(reply)
	if err != nil {
		return math.NaN(), parseError(cmd, err)
	}
	return v, nil
}

// Altitude in degrees.
func (m *Mount) Altitude() (float64, error) { return m.degrees(":GA#") }

// Azimuth in degrees.
func (m *Mount) Azimuth() (float64, error) { return m.degrees(":GZ#") }

// Declination in degrees.
func (m *Mount) Declination() (float64, error) { return m.degrees(":GD#") }

// RightAscension in hours.
func (m *Mount) RightAscension() (float64, error) {
	reply, err := m.request(":GR#")
	if err != nil {
		return math.NaN(), err
	}
	v, err := codec.ParseTimeHMS(reply)
	if err != nil {
		return math.NaN(), parseError(":GR#", err)
	}
	return v, nil
}

// SideOfPier reports which side of the pier the tube is on.
func (m *Mount) SideOfPier() (PierSide, error) {
	reply, err := m.request(":pS#")
	if err != nil {
		return PierUnknown, err
	}
	switch strings.TrimSpace(reply) {
	case "East#":
		return PierEast, nil
	case "West#":
		return PierWest, nil
	}
	return PierUnknown, fmt.Errorf(":pS#: %w: %q", protocol.ErrProtocol, reply)
}

func (m *Mount) clock(cmd string) (float64, error) {
	reply, err := m.request(cmd)
	if err != nil {
		return math.NaN(), err
	}
	v, err := codec.ParseClock(reply)
	if err != nil {
		return math.NaN(), parseError(cmd, err)
	}
	return v, nil
}

// SiderealTime is the local sidereal time in hours.
func (m *Mount) SiderealTime() (float64, error) { return m.clock(":GS#") }

// LocalTime is the controller's local clock in hours.
func (m *Mount) LocalTime() (float64, error) { return m.clock(":GL#") }

// UTCOffset returns the site UTC offset in whole hours, west negative.
func (m *Mount) UTCOffset() (int, error) {
	reply, err := m.request(":GG#")
	if err != nil {
		return 0, err
	}
	h, err := codec.ParseUTCOffset(reply)
	if err != nil {
		return 0, parseError(":GG#", err)
	}
	return h, nil
}

// SetUTCOffset sets the site UTC offset in whole hours.
func (m *Mount) SetUTCOffset(hours int) error {
	if hours < -12 || hours > 14 {
		return fmt.Errorf("%w: utc offset %d outside -12..14", ErrInvalidArgument, hours)
	}
	return m.confirm(fmt.Sprintf(":SG %s#", codec.FormatUTCOffset(hours)))
}

// Slewing queries the slew state.
func (m *Mount) Slewing() (bool, error) {
	eng, err := m.engine()
	if err != nil {
		return false, err
	}
	return m.slewing(eng)()
}

func (m *Mount) slewing(eng *protocol.Engine) guide.SlewQuery {
	return func() (bool, error) {
		reply, err := eng.Request(":SE?#")
		if err != nil {
			return false, err
		}
		switch normalize(reply) {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
		return false, fmt.Errorf(":SE?#: %w: %q", protocol.ErrProtocol, reply)
	}
}

// AbortSlew ends any guide pulse and, if the mount is slewing, stops all
// motion. A mount that is not slewing is left alone.
func (m *Mount) AbortSlew() error {
	g, err := m.scheduler()
	if err != nil {
		return err
	}
	g.Abort()

	slewing, err := m.Slewing()
	if err != nil {
		return err
	}
	if !slewing {
		return nil
	}
	m.log.Info("aborting slew")
	return m.send(":Q#")
}

// SetTracking switches the drive on or off.
func (m *Mount) SetTracking(on bool) error {
	if on {
		return m.send(":STON#")
	}
	return m.send(":STOFF#")
}

// Tracking infers whether the drive is running from two RA samples taken
// SampleInterval apart: a tracking mount holds RA still. The answer is a
// false negative while slewing or guiding.
func (m *Mount) Tracking(ctx context.Context) (bool, error) {
	first, err := m.RightAscension()
	if err != nil {
		return false, err
	}

	t := time.NewTimer(m.cfg.SampleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}

	second, err := m.RightAscension()
	if err != nil {
		return false, err
	}
	change := math.Abs(second-first) * 60
	m.log.Debug("tracking sample",
		zap.Float64("first", first),
		zap.Float64("second", second),
		zap.Float64("changeMinutes", change))
	return change < trackingEpsilon, nil
}

// TrackingRate returns the drive rate.
func (m *Mount) TrackingRate() (TrackingRate, error) {
	reply, err := m.request(":GTR#")
	if err != nil {
		return 0, err
	}
	switch normalize(reply) {
	case "0":
		return Sidereal, nil
	case "1":
		return Solar, nil
	case "2":
		return Lunar, nil
	}
	return 0, fmt.Errorf(":GTR#: %w: %q", protocol.ErrProtocol, reply)
}

// SetTrackingRate selects the drive rate. The controller also starts
// tracking.
func (m *Mount) SetTrackingRate(rate TrackingRate) error {
	if !rate.valid() {
		return fmt.Errorf("%w: tracking rate %d", ErrInvalidArgument, int(rate))
	}
	return m.confirm(fmt.Sprintf(":STR%d#", int(rate)))
}

// GuideRate returns the guide rate in degrees per second.
func (m *Mount) GuideRate() (float64, error) {
	reply, err := m.request(":GGS#")
	if err != nil {
		return math.NaN(), err
	}
	rate, err := GuideRateFromCode(normalize(reply))
	if err != nil {
		return math.NaN(), parseError(":GGS#", err)
	}
	return rate, nil
}

// SetGuideRate selects the discrete guide rate closest to degPerSec. Rates
// at or below 0.5x sidereal, negative ones included, select the slowest.
//
// The controller clobbers the site UTC offset whenever the guide rate is
// set, so the offset is read first and written back afterwards.
func (m *Mount) SetGuideRate(degPerSec float64) error {
	if math.IsNaN(degPerSec) || math.IsInf(degPerSec, 0) {
		return fmt.Errorf("%w: guide rate %v", ErrInvalidArgument, degPerSec)
	}
	offset, err := m.UTCOffset()
	if err != nil {
		return fmt.Errorf("preserve utc offset: %w", err)
	}
	code := GuideRateCode(degPerSec)
	if err := m.send(fmt.Sprintf(":SGS%d#", code)); err != nil {
		return err
	}
	time.Sleep(m.cfg.GuideRateSettle)
	if err := m.SetUTCOffset(offset); err != nil {
		return fmt.Errorf("restore utc offset %d: %w", offset, err)
	}
	m.log.Debug("guide rate set", zap.Int("code", code), zap.Int("utcOffset", offset))
	return nil
}

// PulseGuide nudges the mount at guide rate. guide.ErrSlewing and
// guide.ErrAxisBusy are ordinary declines.
func (m *Mount) PulseGuide(dir guide.Direction, d time.Duration) error {
	g, err := m.scheduler()
	if err != nil {
		return err
	}
	return g.Pulse(dir, d)
}

// IsGuiding reports whether any guide pulse is active.
func (m *Mount) IsGuiding() bool {
	g, err := m.scheduler()
	if err != nil {
		return false
	}
	return g.Guiding()
}
