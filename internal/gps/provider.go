// Package gps reads the observing site position from a GPS receiver.
package gps

import (
	"context"
	"errors"
	"time"
)

// ErrNoFix is returned by WaitForFix when no valid fix arrived in time.
var ErrNoFix = errors.New("gps: no fix")

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool    `json:"valid"`      // Fix is valid
	Latitude   float64 `json:"latitude"`   // Decimal degrees
	Longitude  float64 `json:"longitude"`  // Decimal degrees, east positive
	Altitude   float64 `json:"altitude"`   // Meters
	Satellites int     `json:"satellites"` // Sats in use
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64 `json:"hdop"`       // Horizontal dilution
	Timestamp  string  `json:"timestamp"`  // UTC time string
}

// WaitForFix polls p until it reports a valid fix or ctx is done.
func WaitForFix(ctx context.Context, p Provider, poll time.Duration) (*Data, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if d, err := p.Read(); err == nil && d != nil && d.Valid {
			fix := *d
			return &fix, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNoFix, ctx.Err())
		case <-t.C:
		}
	}
}
