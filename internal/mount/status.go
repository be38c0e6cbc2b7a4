package mount

import (
	"time"
)

// Status is a point-in-time snapshot of the mount.
type Status struct {
	Time           time.Time `json:"time"`
	Connected      bool      `json:"connected"`
	Version        string    `json:"version,omitempty"`
	RightAscension float64   `json:"rightAscension"`
	Declination    float64   `json:"declination"`
	Altitude       float64   `json:"altitude"`
	Azimuth        float64   `json:"azimuth"`
	SideOfPier     PierSide  `json:"sideOfPier"`
	SiderealTime   float64   `json:"siderealTime"`
	Slewing        bool      `json:"slewing"`
	Guiding        bool      `json:"guiding"`
}

// Status reads a full snapshot. It stops at the first failed exchange and
// returns what it has so far along with the error.
func (m *Mount) Status() (Status, error) {
	st := Status{Time: time.Now(), Connected: m.Connected()}
	if !st.Connected {
		return st, ErrNotConnected
	}
	st.Version, _ = m.Version()
	st.Guiding = m.IsGuiding()

	steps := []func() error{
		func() error { return keep(&st.RightAscension)(m.RightAscension()) },
		func() error { return keep(&st.Declination)(m.Declination()) },
		func() error { return keep(&st.Altitude)(m.Altitude()) },
		func() error { return keep(&st.Azimuth)(m.Azimuth()) },
		func() error { return keep(&st.SiderealTime)(m.SiderealTime()) },
		func() (err error) { st.SideOfPier, err = m.SideOfPier(); return err },
		func() (err error) { st.Slewing, err = m.Slewing(); return err },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return st, err
		}
	}
	return st, nil
}

// keep stores v in dst unless the read failed, so a partial snapshot never
// carries NaN.
func keep(dst *float64) func(float64, error) error {
	return func(v float64, err error) error {
		if err == nil {
			*dst = v
		}
		return err
	}
}
