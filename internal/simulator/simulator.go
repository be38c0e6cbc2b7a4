// Package simulator emulates a GotoStar hand controller on the far end of a
// byte stream. It is used by the tests and by the daemon's demo mode.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/gotostar/internal/codec"
)

const (
	// Discrete simulation step size
	stepSize = 50 * time.Millisecond
	// Sidereal rate in degrees per second
	siderealRate = 360.0 / 86400
	// Apparent RA drift in hours per second with the drive off
	raDrift = 1.0 / 3600
	// Slew speed in degrees per second
	slewRate = 4.0

	// The controller reports this offset after a guide rate change.
	quirkUTCOffset = -11
)

var guideFactors = [...]float64{1.0, 0.8, 0.6, 0.4}

// State is the controller's internal state.
type State struct {
	Version           string
	ControllerVersion string

	RightAscension float64 // hours
	Declination    float64 // degrees

	// Site values entered on the keypad. :Gt# and :Gg# only ever report
	// these, whatever was set over the link.
	ManualLatitude  float64
	ManualLongitude float64
	// Site values set over the link. They drive the position model.
	Latitude  float64
	Longitude float64

	UTCOffset    int
	TrackingRate int
	GuideRate    int
	Tracking     bool
	GuideMode    bool

	Slewing    bool
	SlewTarget [2]float64 // ra hours, dec degrees

	Moving map[byte]bool // 'n', 's', 'e', 'w'
}

// Entry is one command received by the simulator.
type Entry struct {
	At      time.Time
	Command string
}

// Options tunes a Simulator.
type Options struct {
	Logger *zap.Logger
	// BurstGap splits every multi-character reply in two writes this far
	// apart, the way the real controller delivers them.
	BurstGap time.Duration
}

// Simulator is a simulated controller.
type Simulator struct {
	conn io.ReadWriteCloser
	log  *zap.Logger
	gap  time.Duration

	mu       sync.Mutex
	state    State
	mute     map[string]bool
	reject   map[string]bool
	commands []Entry
	now      func() time.Time
}

// DefaultState is the controller state after power on.
func DefaultState() State {
	return State{
		Version:           "GotoStar",
		ControllerVersion: "V2.1",
		RightAscension:    10,
		Declination:       45,
		ManualLatitude:    52,
		ManualLongitude:   5,
		Latitude:          52,
		Longitude:         5,
		UTCOffset:         1,
		TrackingRate:      0,
		GuideRate:         1,
		Tracking:          true,
		Moving:            map[byte]bool{},
	}
}

// New returns a simulator and the host end of its connection.
func New(opts Options) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	return Attach(a, opts), b
}

// Attach runs the simulator on an existing device-side stream.
func Attach(conn io.ReadWriteCloser, opts Options) *Simulator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Simulator{
		conn:  conn,
		log:   opts.Logger.Named("simulator"),
		gap:   opts.BurstGap,
		state: DefaultState(),
		mute:   map[string]bool{},
		reject: map[string]bool{},
		now:    time.Now,
	}
}

// Run serves commands and advances the model until ctx is done or the host
// closes its end of the connection.
func (s *Simulator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(stepSize)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
			s.step(stepSize.Seconds())
		}
	})
	g.Go(func() error {
		if err := s.reader(); err != nil {
			return err
		}
		// the host hung up, stop the model too
		return io.EOF
	})
	err := g.Wait()
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Update applies fn to the controller state.
func (s *Simulator) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// State returns a copy of the controller state.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Moving = make(map[byte]bool, len(s.state.Moving))
	for k, v := range s.state.Moving {
		st.Moving[k] = v
	}
	return st
}

// Mute makes the simulator swallow cmd without replying.
func (s *Simulator) Mute(cmd string, mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mute[cmd] = mute
}

// Reject makes the simulator answer cmd with "0" without applying it.
func (s *Simulator) Reject(cmd string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[cmd] = reject
}

// Commands returns every command received so far.
func (s *Simulator) Commands() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.commands...)
}

// Received returns the received command strings.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	for i, e := range s.commands {
		out[i] = e.Command
	}
	return out
}

// Slew starts a slew to the given coordinates.
func (s *Simulator) Slew(ra, dec float64) {
	s.Update(func(st *State) {
		st.Slewing = true
		st.SlewTarget = [2]float64{ra, dec}
	})
}

// scanCommands splits the input after each '#'.
func scanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, codec.Terminator); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(scanCommands)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		s.log.Debug("host->sim", zap.String("cmd", input))
		reply, ok := s.handle(input)
		if !ok {
			continue
		}
		if err := s.send(reply); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

func (s *Simulator) send(reply string) error {
	s.log.Debug("sim->host", zap.String("reply", reply))
	if s.gap > 0 && len(reply) > 1 {
		half := len(reply) / 2
		if _, err := io.WriteString(s.conn, reply[:half]); err != nil {
			return err
		}
		time.Sleep(s.gap)
		reply = reply[half:]
	}
	_, err := io.WriteString(s.conn, reply)
	return err
}

// handle executes one command and returns its reply, if any.
func (s *Simulator) handle(cmd string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, Entry{At: s.now(), Command: cmd})
	if s.mute[cmd] {
		return "", false
	}
	if s.reject[cmd] {
		return "0", true
	}
	if !strings.HasPrefix(cmd, ":") || !strings.HasSuffix(cmd, "#") {
		s.log.Warn("malformed command", zap.String("cmd", cmd))
		return "", false
	}
	body := cmd[1 : len(cmd)-1]
	st := &s.state

	switch body {
	case "V":
		return st.Version + "#", true
	case "Vs":
		return st.ControllerVersion + "#", true
	case "GR":
		return codec.FormatTimeHMS(st.RightAscension), true
	case "GD":
		return codec.FormatSignedDMS(st.Declination, false) + "#", true
	case "GA":
		alt, _ := s.altAz()
		return codec.FormatSignedDMS(alt, false) + "#", true
	case "GZ":
		_, az := s.altAz()
		return codec.FormatSignedDMS(az, true) + "#", true
	case "pS":
		if s.hourAngle() < 0 {
			return "West#", true
		}
		return "East#", true
	case "Gt":
		return codec.FormatSignedDMS(st.ManualLatitude, false) + "#", true
	case "Gg":
		return codec.FormatSignedDMS(st.ManualLongitude, true) + "#", true
	case "GG":
		return codec.FormatUTCOffsetReply(st.UTCOffset), true
	case "GS":
		return clock(s.siderealTime()), true
	case "GL":
		return clock(s.localTime()), true
	case "SE?":
		if st.Slewing {
			return "1", true
		}
		return "0", true
	case "Q":
		st.Slewing = false
		st.Moving = map[byte]bool{}
		return "", false
	case "RG":
		st.GuideMode = true
		return "", false
	case "STON":
		st.Tracking = true
		return "", false
	case "STOFF":
		st.Tracking = false
		return "", false
	case "GTR":
		return strconv.Itoa(st.TrackingRate), true
	case "GGS":
		return strconv.Itoa(st.GuideRate), true
	}

	switch {
	case len(body) == 2 && body[0] == 'M' && isAxis(body[1]):
		st.Moving[body[1]] = true
		return "", false
	case len(body) == 2 && body[0] == 'Q' && isAxis(body[1]):
		delete(st.Moving, body[1])
		return "", false
	case strings.HasPrefix(body, "St "):
		v, err := codec.ParseSignedDMS(body[3:] + "#")
		if err != nil || math.Abs(v) > 90 {
			return "0", true
		}
		st.Latitude = v
		return "1", true
	case strings.HasPrefix(body, "Sg "):
		v, err := codec.ParseSignedDMS(body[3:] + "#")
		if err != nil || math.Abs(v) > 180 {
			return "0", true
		}
		st.Longitude = v
		return "1", true
	case strings.HasPrefix(body, "SG "):
		h, err := strconv.Atoi(strings.TrimSpace(body[3:]))
		if err != nil || h < -12 || h > 14 {
			return "0", true
		}
		st.UTCOffset = h
		return "1", true
	case strings.HasPrefix(body, "STR") && len(body) == 4:
		code := int(body[3] - '0')
		if code < 0 || code > 2 {
			return "0", true
		}
		st.TrackingRate = code
		return "1", true
	case strings.HasPrefix(body, "SGS") && len(body) == 4:
		code := int(body[3] - '0')
		if code >= 0 && code < len(guideFactors) {
			st.GuideRate = code
			st.UTCOffset = quirkUTCOffset
		}
		return "", false
	}

	s.log.Warn("unknown command", zap.String("cmd", cmd))
	return "", false
}

func isAxis(c byte) bool {
	return c == 'n' || c == 's' || c == 'e' || c == 'w'
}

func clock(hours float64) string {
	// drop the tenths, :GS# and :GL# answer with whole seconds
	hms := codec.FormatTimeHMS(hours)
	return hms[:8] + "#"
}

// step advances the model by dt seconds.
func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.state

	if st.Slewing {
		st.RightAscension = approach(st.RightAscension, st.SlewTarget[0], slewRate/15*dt)
		st.Declination = approach(st.Declination, st.SlewTarget[1], slewRate*dt)
		if st.RightAscension == st.SlewTarget[0] && st.Declination == st.SlewTarget[1] {
			st.Slewing = false
		}
		return
	}

	if !st.Tracking {
		st.RightAscension = math.Mod(st.RightAscension+raDrift*dt, 24)
	}

	if st.GuideMode {
		rate := guideFactors[st.GuideRate] * siderealRate * dt
		if st.Moving['n'] {
			st.Declination = math.Min(st.Declination+rate, 90)
		}
		if st.Moving['s'] {
			st.Declination = math.Max(st.Declination-rate, -90)
		}
		if st.Moving['e'] {
			st.RightAscension = math.Mod(st.RightAscension+rate/15, 24)
		}
		if st.Moving['w'] {
			st.RightAscension = math.Mod(st.RightAscension-rate/15+24, 24)
		}
	}
}

func approach(v, target, maxStep float64) float64 {
	if math.Abs(target-v) <= maxStep {
		return target
	}
	if target > v {
		return v + maxStep
	}
	return v - maxStep
}

func (s *Simulator) localTime() float64 {
	t := s.now().UTC().Add(time.Duration(s.state.UTCOffset) * time.Hour)
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

// siderealTime is the local mean sidereal time in hours.
func (s *Simulator) siderealTime() float64 {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	days := s.now().UTC().Sub(j2000).Hours() / 24
	gmst := 18.697374558 + 24.06570982441908*days
	lst := math.Mod(gmst+s.state.Longitude/15, 24)
	if lst < 0 {
		lst += 24
	}
	return lst
}

// hourAngle in hours, in [-12, 12).
func (s *Simulator) hourAngle() float64 {
	return math.Mod(s.siderealTime()-s.state.RightAscension+36, 24) - 12
}

func (s *Simulator) altAz() (alt, az float64) {
	rad := math.Pi / 180
	ha := s.hourAngle() * 15 * rad
	dec := s.state.Declination * rad
	lat := s.state.Latitude * rad

	sinAlt := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(ha)
	alt = math.Asin(sinAlt)
	cosAz := (math.Sin(dec) - math.Sin(alt)*math.Sin(lat)) / (math.Cos(alt) * math.Cos(lat))
	az = math.Acos(math.Max(-1, math.Min(1, cosAz))) / rad
	if math.Sin(ha) > 0 {
		az = 360 - az
	}
	return alt / rad, az
}
