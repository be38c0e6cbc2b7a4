package mount

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaunagostinho/gotostar/internal/codec"
)

// PierSide is the side of the pier the optical tube is on.
type PierSide int

const (
	PierUnknown PierSide = iota
	PierEast
	PierWest
)

func (p PierSide) String() string {
	switch p {
	case PierEast:
		return "east"
	case PierWest:
		return "west"
	}
	return "unknown"
}

func (p PierSide) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *PierSide) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "east":
		*p = PierEast
	case "west":
		*p = PierWest
	default:
		*p = PierUnknown
	}
	return nil
}

// TrackingRate is a drive rate. The values are the controller's codes.
type TrackingRate int

const (
	Sidereal TrackingRate = iota
	Solar
	Lunar
)

var trackingRateNames = [...]string{Sidereal: "sidereal", Solar: "solar", Lunar: "lunar"}

func (r TrackingRate) valid() bool { return r >= Sidereal && r <= Lunar }

func (r TrackingRate) String() string {
	if !r.valid() {
		return fmt.Sprintf("TrackingRate(%d)", int(r))
	}
	return trackingRateNames[r]
}

// ParseTrackingRate accepts "sidereal", "solar" or "lunar".
func ParseTrackingRate(s string) (TrackingRate, error) {
	for i, name := range trackingRateNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return TrackingRate(i), nil
		}
	}
	return 0, fmt.Errorf("%w: tracking rate %q", ErrInvalidArgument, s)
}

func (r TrackingRate) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *TrackingRate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTrackingRate(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// SiderealRate is the sidereal rate in degrees per second.
const SiderealRate = 360.0 / 86400

// guideFactors are the guide rates the controller offers, as fractions of
// the sidereal rate, indexed by code.
var guideFactors = [...]float64{1.0, 0.8, 0.6, 0.4}

// GuideRateCode maps a rate in degrees per second to the controller code
// of the nearest discrete guide rate.
func GuideRateCode(degPerSec float64) int {
	factor := degPerSec / SiderealRate
	switch {
	case factor > 0.9:
		return 0
	case factor > 0.7:
		return 1
	case factor > 0.5:
		return 2
	default:
		return 3
	}
}

// GuideRateFromCode maps a controller code "0".."3" to degrees per second.
func GuideRateFromCode(code string) (float64, error) {
	if len(code) != 1 || code[0] < '0' || int(code[0]-'0') >= len(guideFactors) {
		return 0, fmt.Errorf("%w: guide rate code %q", codec.ErrFormat, code)
	}
	return guideFactors[code[0]-'0'] * SiderealRate, nil
}
