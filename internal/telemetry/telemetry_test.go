package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

type memSink struct {
	mu     sync.Mutex
	got    []mount.Status
	fail   bool
	closed bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(st mount.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, st)
	if m.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() ([]mount.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mount.Status(nil), m.got...), m.closed
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	f := NewFanout(nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	f.Publish(mount.Status{Connected: true, RightAscension: 1})
	f.Publish(mount.Status{Connected: true, RightAscension: 2})

	require.Eventually(t, func() bool {
		got, _ := a.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, closed := a.snapshot()
	assert.True(t, closed)
	assert.Equal(t, 2.0, got[1].RightAscension)

	got, closed = b.snapshot()
	assert.Len(t, got, 2, "a failing sink keeps receiving")
	assert.True(t, closed)
}

func TestFanoutDropsWhenFull(t *testing.T) {
	s := &memSink{}
	f := NewFanout(nil, s)
	for i := 0; i < queueDepth+10; i++ {
		f.Publish(mount.Status{})
	}
	assert.Len(t, f.queue, queueDepth)
}

func TestFanoutWithoutSinks(t *testing.T) {
	f := NewFanout(nil)
	f.Publish(mount.Status{})
	assert.Empty(t, f.queue)
}

func TestFieldsOmitPositionWhileDisconnected(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"connected": false}, fields(mount.Status{}))

	got := fields(mount.Status{Connected: true, RightAscension: 5.5, Azimuth: 180, Guiding: true})
	assert.Equal(t, 5.5, got["ra_hours"])
	assert.Equal(t, 180.0, got["az_deg"])
	assert.Equal(t, true, got["guiding"])
	assert.Len(t, got, 8)
}

func TestTags(t *testing.T) {
	assert.Equal(t, map[string]string{"pier_side": "unknown"}, tags(mount.Status{}))
	assert.Equal(t,
		map[string]string{"pier_side": "west", "version": "V2.1"},
		tags(mount.Status{SideOfPier: mount.PierWest, Version: "V2.1"}))
}

func TestPayload(t *testing.T) {
	ts := time.Date(2026, 5, 1, 21, 30, 0, 0, time.UTC)
	data, err := payload(mount.Status{Time: ts, Connected: true, Declination: -12.5, SideOfPier: mount.PierEast})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2026-05-01T21:30:00Z", doc["time"])
	assert.Equal(t, -12.5, doc["declination"])
	assert.Equal(t, "east", doc["sideOfPier"])
}
