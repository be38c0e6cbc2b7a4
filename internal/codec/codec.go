// Package codec converts between the GotoStar controller's fixed-width
// sexagesimal strings and floating point degrees/hours.
//
// Wire formats handled here:
//
//	s[D]DD*MM:SS#   signed degrees (latitude, longitude, altitude, azimuth, declination)
//	HH:MM:SS.S#     hours (right ascension)
//	HH:MM:SS[.S]#   clock readings (sidereal time, local time)
//	EHH# / WHH#     site UTC offset
//
// The package holds no state and performs no I/O.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Terminator ends every command and most replies on the wire.
const Terminator = '#'

// ErrFormat is returned when a reply does not match the expected layout.
var ErrFormat = errors.New("codec: malformed value")

// ParseSignedDMS parses "s[D]DD*MM:SS#" into decimal degrees.
func ParseSignedDMS(text string) (float64, error) {
	if len(text) < 10 {
		return math.NaN(), fmt.Errorf("%w: %q too short for degrees", ErrFormat, text)
	}
	star := strings.IndexByte(text, '*')
	colon := strings.IndexByte(text, ':')
	if star < 2 || colon < star || strings.IndexByte(text, Terminator) < 0 {
		return math.NaN(), fmt.Errorf("%w: %q missing degree separators", ErrFormat, text)
	}
	if star+3 > len(text) || colon+3 > len(text) {
		return math.NaN(), fmt.Errorf("%w: %q truncated", ErrFormat, text)
	}

	deg, err := strconv.ParseFloat(strings.TrimSpace(text[1:star]), 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: degrees in %q", ErrFormat, text)
	}
	min, err := strconv.ParseFloat(text[star+1:star+3], 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: minutes in %q", ErrFormat, text)
	}
	sec, err := strconv.ParseFloat(text[colon+1:colon+3], 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: seconds in %q", ErrFormat, text)
	}

	result := deg + min/60 + sec/3600
	if text[0] == '-' {
		result = -result
	}
	return result, nil
}

// ParseTimeHMS parses the 11 character "HH:MM:SS.S#" format into hours.
func ParseTimeHMS(text string) (float64, error) {
	if len(text) != 11 || text[2] != ':' || text[5] != ':' || text[10] != Terminator {
		return math.NaN(), fmt.Errorf("%w: %q is not HH:MM:SS.S#", ErrFormat, text)
	}
	hours, err := strconv.ParseFloat(text[0:2], 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: hours in %q", ErrFormat, text)
	}
	min, err := strconv.ParseFloat(text[3:5], 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: minutes in %q", ErrFormat, text)
	}
	// strconv is locale independent, the decimal point is always '.'
	sec, err := strconv.ParseFloat(text[6:10], 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: seconds in %q", ErrFormat, text)
	}
	return hours + min/60 + sec/3600, nil
}

// FormatSignedDMS encodes degrees as " DD*MM:SS" / "-DD*MM:SS", or with a
// three digit degree field when wide is set (longitude). The terminator is
// not included.
func FormatSignedDMS(degrees float64, wide bool) string {
	sign := byte(' ')
	if degrees < 0 {
		sign = '-'
		degrees = -degrees
	}
	deg := math.Trunc(degrees)
	min := math.Trunc((degrees - deg) * 60)
	sec := math.Round((degrees - deg - min/60) * 3600)

	// rounding may push seconds (and then minutes) to 60
	if sec >= 60 {
		sec -= 60
		min++
	}
	if min >= 60 {
		min -= 60
		deg++
	}

	if wide {
		return fmt.Sprintf("%c%03d*%02d:%02d", sign, int(deg), int(min), int(sec))
	}
	return fmt.Sprintf("%c%02d*%02d:%02d", sign, int(deg), int(min), int(sec))
}

// FormatTimeHMS encodes hours as "HH:MM:SS.S#", the reply format of :GR#.
func FormatTimeHMS(hours float64) string {
	hours = math.Mod(hours, 24)
	if hours < 0 {
		hours += 24
	}
	tenths := int(math.Round(hours * 36000))
	if tenths >= 24*36000 {
		tenths -= 24 * 36000
	}
	h := tenths / 36000
	m := (tenths % 36000) / 600
	s := float64(tenths%600) / 10
	return fmt.Sprintf("%02d:%02d:%04.1f%c", h, m, s, Terminator)
}

// ParseClock parses a clock reading "HH:MM:SS#" or "HH:MM:SS.S#" into hours.
func ParseClock(text string) (float64, error) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimSpace(text), string(Terminator)), ":")
	if len(parts) != 3 || len(parts[0]) != 2 || len(parts[1]) != 2 || len(parts[2]) < 2 {
		return math.NaN(), fmt.Errorf("%w: %q is not a clock reading", ErrFormat, text)
	}
	var fields [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return math.NaN(), fmt.Errorf("%w: %q is not a clock reading", ErrFormat, text)
		}
		fields[i] = v
	}
	if fields[0] >= 24 || fields[1] >= 60 || fields[2] >= 60 {
		return math.NaN(), fmt.Errorf("%w: %q out of range", ErrFormat, text)
	}
	return fields[0] + fields[1]/60 + fields[2]/3600, nil
}

// ParseUTCOffset parses "EHH#" / "WHH#" into signed whole hours; west is
// negative. Spaces between the hemisphere letter and the digits are tolerated.
func ParseUTCOffset(text string) (int, error) {
	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return 0, fmt.Errorf("%w: %q too short for utc offset", ErrFormat, text)
	}
	hemi := text[0]
	if hemi != 'E' && hemi != 'W' {
		return 0, fmt.Errorf("%w: %q has no E/W prefix", ErrFormat, text)
	}
	rest := strings.TrimLeft(text[1:], " ")
	if len(rest) < 2 {
		return 0, fmt.Errorf("%w: %q too short for utc offset", ErrFormat, text)
	}
	hours, err := strconv.Atoi(rest[:2])
	if err != nil {
		return 0, fmt.Errorf("%w: hours in %q", ErrFormat, text)
	}
	if hemi == 'W' {
		hours = -hours
	}
	return hours, nil
}

// FormatUTCOffset encodes signed hours as "+HH" / "-HH" for the :SG command.
func FormatUTCOffset(hours int) string {
	sign := '+'
	if hours < 0 {
		sign = '-'
		hours = -hours
	}
	return fmt.Sprintf("%c%02d", sign, hours)
}

// FormatUTCOffsetReply encodes signed hours the way the controller answers
// :GG#, used by the simulator.
func FormatUTCOffsetReply(hours int) string {
	hemi := 'E'
	if hours < 0 {
		hemi = 'W'
		hours = -hours
	}
	return fmt.Sprintf("%c%02d%c", hemi, hours, Terminator)
}
