package mount

import (
	"fmt"
	"math"

	"github.com/shaunagostinho/gotostar/internal/codec"
)

// The controller's :Gt# and :Gg# report the site as entered on the keypad
// and ignore anything set over the link. The mount therefore remembers the
// site itself: a successful set, or the first successful query, is returned
// from then on without asking the controller again.

// SiteLatitude returns the site latitude in degrees, north positive.
func (m *Mount) SiteLatitude() (float64, error) {
	return m.cachedSite(&m.siteLat, ":Gt#")
}

// SetSiteLatitude sets the site latitude.
func (m *Mount) SetSiteLatitude(deg float64) error {
	if math.IsNaN(deg) || deg < -90 || deg > 90 {
		return fmt.Errorf("%w: latitude %v outside -90..90", ErrInvalidArgument, deg)
	}
	return m.setSite(&m.siteLat, fmt.Sprintf(":St %s#", codec.FormatSignedDMS(deg, false)), deg)
}

// SiteLongitude returns the site longitude in degrees, east positive.
func (m *Mount) SiteLongitude() (float64, error) {
	return m.cachedSite(&m.siteLon, ":Gg#")
}

// SetSiteLongitude sets the site longitude.
func (m *Mount) SetSiteLongitude(deg float64) error {
	if math.IsNaN(deg) || deg < -180 || deg > 180 {
		return fmt.Errorf("%w: longitude %v outside -180..180", ErrInvalidArgument, deg)
	}
	return m.setSite(&m.siteLon, fmt.Sprintf(":Sg %s#", codec.FormatSignedDMS(deg, true)), deg)
}

func (m *Mount) cachedSite(slot *float64, cmd string) (float64, error) {
	m.siteMu.Lock()
	v := *slot
	m.siteMu.Unlock()
	if !math.IsNaN(v) {
		return v, nil
	}

	v, err := m.degrees(cmd)
	if err != nil {
		return math.NaN(), err
	}
	m.siteMu.Lock()
	if math.IsNaN(*slot) {
		*slot = v
	}
	v = *slot
	m.siteMu.Unlock()
	return v, nil
}

func (m *Mount) setSite(slot *float64, cmd string, deg float64) error {
	if err := m.confirm(cmd); err != nil {
		return err
	}
	m.siteMu.Lock()
	*slot = deg
	m.siteMu.Unlock()
	return nil
}
