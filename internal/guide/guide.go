// Package guide schedules timed guide pulses on the four mount axes.
//
// Each direction owns a busy flag and a one-shot timer. A pulse sends the
// move command, and the timer sends the matching stop command when the pulse
// expires. All commands go through the shared protocol engine, so a timer
// firing while another exchange is on the wire simply waits for the lock.
package guide

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Direction identifies a guide axis direction.
type Direction int

const (
	North Direction = iota
	South
	East
	West
)

var (
	// ErrSlewing is returned when a pulse is requested while the mount slews.
	ErrSlewing = errors.New("guide: mount is slewing")
	// ErrAxisBusy is returned when the direction already has an active pulse.
	ErrAxisBusy = errors.New("guide: direction already pulsing")
	// ErrUnknownDirection is returned for a direction outside North..West.
	ErrUnknownDirection = errors.New("guide: unknown direction")
	// ErrNegativeDuration is returned for a pulse shorter than zero.
	ErrNegativeDuration = errors.New("guide: negative pulse duration")
)

// axisCommands is the per-direction wire table.
var axisCommands = [...]struct {
	name string
	move string
	stop string
}{
	North: {"north", ":Mn#", ":Qn#"},
	South: {"south", ":Ms#", ":Qs#"},
	East:  {"east", ":Me#", ":Qe#"},
	West:  {"west", ":Mw#", ":Qw#"},
}

// Directions lists every guide direction.
var Directions = []Direction{North, South, East, West}

const enterGuideMode = ":RG#"

func (d Direction) valid() bool { return d >= North && d <= West }

func (d Direction) String() string {
	if !d.valid() {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return axisCommands[d].name
}

// ParseDirection accepts "north", "s", "East", ...
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "north", "n":
		return North, nil
	case "south", "s":
		return South, nil
	case "east", "e":
		return East, nil
	case "west", "w":
		return West, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

// Link is the command path to the controller.
type Link interface {
	Send(cmd string) error
}

// SlewQuery reports whether the mount is slewing.
type SlewQuery func() (bool, error)

type axis struct {
	busy    bool
	timer   *time.Timer
	gen     uint64
	aborted bool // Abort ran while the move was on the wire
}

// Scheduler drives the guide pulses.
type Scheduler struct {
	link    Link
	slewing SlewQuery
	log     *zap.Logger

	mu       sync.Mutex
	started  *sync.Cond // signalled when a pulse start completes
	starting int
	axes     [len(axisCommands)]axis
}

// NewScheduler returns a scheduler that sends its commands over link and
// consults slewing before every pulse.
func NewScheduler(link Link, slewing SlewQuery, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		link:    link,
		slewing: slewing,
		log:     logger.Named("guide"),
	}
	s.started = sync.NewCond(&s.mu)
	return s
}

// Pulse moves the mount at guide rate in direction d for duration.
// ErrSlewing and ErrAxisBusy are ordinary declines; no move is sent.
func (s *Scheduler) Pulse(d Direction, duration time.Duration) error {
	if !d.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownDirection, int(d))
	}
	if duration < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeDuration, duration)
	}

	slewing, err := s.slewing()
	if err != nil {
		return fmt.Errorf("guide %s: query slew state: %w", d, err)
	}
	if slewing {
		return ErrSlewing
	}

	// The hand controller may have been switched to slew speed, so guide
	// mode is asserted before every pulse.
	if err := s.link.Send(enterGuideMode); err != nil {
		return fmt.Errorf("guide %s: enter guide mode: %w", d, err)
	}

	s.mu.Lock()
	ax := &s.axes[d]
	if ax.busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAxisBusy, d)
	}
	ax.busy = true
	ax.aborted = false
	s.starting++
	s.mu.Unlock()
	defer s.startDone()

	if err := s.link.Send(axisCommands[d].move); err != nil {
		s.mu.Lock()
		ax.busy = false
		s.mu.Unlock()
		return fmt.Errorf("guide %s: move: %w", d, err)
	}

	s.mu.Lock()
	if ax.aborted {
		ax.aborted = false
		s.mu.Unlock()
		s.stop(d)
		return nil
	}
	ax.gen++
	gen := ax.gen
	ax.timer = time.AfterFunc(duration, func() { s.expire(d, gen) })
	s.mu.Unlock()

	s.log.Debug("pulse started", zap.Stringer("direction", d), zap.Duration("duration", duration))
	return nil
}

func (s *Scheduler) startDone() {
	s.mu.Lock()
	s.starting--
	s.started.Broadcast()
	s.mu.Unlock()
}

// expire runs when the pulse timer of generation gen fires. A timer that has
// already been claimed by Abort is ignored.
func (s *Scheduler) expire(d Direction, gen uint64) {
	s.mu.Lock()
	ax := &s.axes[d]
	if !ax.busy || ax.timer == nil || ax.gen != gen {
		s.mu.Unlock()
		return
	}
	ax.timer = nil
	s.mu.Unlock()

	s.stop(d)
}

// stop sends the stop command and releases the direction. Failures are only
// logged, there is no caller left to report them to.
func (s *Scheduler) stop(d Direction) {
	if err := s.link.Send(axisCommands[d].stop); err != nil {
		s.log.Warn("stop pulse failed", zap.Stringer("direction", d), zap.Error(err))
	} else {
		s.log.Debug("pulse stopped", zap.Stringer("direction", d))
	}
	s.mu.Lock()
	s.axes[d].busy = false
	s.mu.Unlock()
}

// Abort ends every pulse now, sending the stop commands synchronously. A
// pulse whose move is still on the wire is stopped as soon as the move
// completes, and Abort returns only after that stop has been sent.
func (s *Scheduler) Abort() {
	var claimed []Direction
	s.mu.Lock()
	for _, d := range Directions {
		ax := &s.axes[d]
		switch {
		case ax.busy && ax.timer != nil:
			ax.timer.Stop()
			ax.timer = nil
			claimed = append(claimed, d)
		case ax.busy:
			ax.aborted = true
		}
	}
	s.mu.Unlock()

	for _, d := range claimed {
		s.stop(d)
	}

	s.mu.Lock()
	for s.starting > 0 {
		s.started.Wait()
	}
	s.mu.Unlock()
}

// Guiding reports whether any direction has an active pulse.
func (s *Scheduler) Guiding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ax := range s.axes {
		if ax.busy {
			return true
		}
	}
	return false
}

// Active reports whether direction d has an active pulse.
func (s *Scheduler) Active(d Direction) bool {
	if !d.valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axes[d].busy
}
