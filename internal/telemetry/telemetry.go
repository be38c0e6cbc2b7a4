// Package telemetry exports mount status snapshots to external stores.
package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

// Sink receives status snapshots.
type Sink interface {
	Name() string
	Write(st mount.Status) error
	Close() error
}

const queueDepth = 32

// Fanout delivers snapshots to every sink from a single goroutine so a slow
// sink never stalls the status poller.
type Fanout struct {
	sinks []Sink
	queue chan mount.Status
	log   *zap.Logger
}

// NewFanout returns a fanout over sinks. A fanout without sinks drops
// everything.
func NewFanout(log *zap.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		sinks: sinks,
		queue: make(chan mount.Status, queueDepth),
		log:   log.Named("telemetry"),
	}
}

// Publish queues st; it drops the snapshot when the queue is full.
func (f *Fanout) Publish(st mount.Status) {
	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- st:
	default:
		f.log.Debug("queue full, dropping snapshot")
	}
}

// Run writes queued snapshots until ctx is done, then closes every sink.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-f.queue:
			for _, s := range f.sinks {
				if err := s.Write(st); err != nil {
					f.log.Warn("write failed", zap.String("sink", s.Name()), zap.Error(err))
				}
			}
		}
	}
}

func (f *Fanout) closeAll() {
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			f.log.Warn("close failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// fields flattens a snapshot into numeric and boolean series. Position
// fields are omitted while disconnected.
func fields(st mount.Status) map[string]interface{} {
	f := map[string]interface{}{
		"connected": st.Connected,
	}
	if !st.Connected {
		return f
	}
	f["ra_hours"] = st.RightAscension
	f["dec_deg"] = st.Declination
	f["alt_deg"] = st.Altitude
	f["az_deg"] = st.Azimuth
	f["lst_hours"] = st.SiderealTime
	f["slewing"] = st.Slewing
	f["guiding"] = st.Guiding
	return f
}

func tags(st mount.Status) map[string]string {
	t := map[string]string{"pier_side": st.SideOfPier.String()}
	if st.Version != "" {
		t["version"] = st.Version
	}
	return t
}
