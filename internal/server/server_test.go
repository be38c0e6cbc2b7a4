package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gotostar/internal/guide"
	"github.com/shaunagostinho/gotostar/internal/mount"
	"github.com/shaunagostinho/gotostar/internal/protocol"
	"github.com/shaunagostinho/gotostar/internal/simulator"
	"github.com/shaunagostinho/gotostar/internal/transport"
)

type harness struct {
	srv  *Server
	http *httptest.Server
	sim  *simulator.Simulator
}

func testServerConfig(t *testing.T) *Config {
	t.Helper()
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), nil)
	cfg.Mount.ReplyTimeoutMs = 300
	cfg.Mount.SettleDelayMs = 15
	cfg.Mount.TrackingSampleMs = 200
	cfg.Mount.GuideRateSettleMs = 10
	cfg.Logging.Path = t.TempDir()
	return cfg
}

func newHarness(t *testing.T, connect bool) *harness {
	t.Helper()
	cfg := testServerConfig(t)
	sim, host := simulator.New(simulator.Options{BurstGap: 3 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	opts := cfg.Mount.Options()
	opts.Dialer = transport.DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return host, nil
	})
	m := mount.New(opts, nil)
	if connect {
		_, err := m.Connect(ctx)
		require.NoError(t, err)
	}

	s := New(cfg, m, nil, nil)
	h := &harness{srv: s, http: httptest.NewServer(s.Handler()), sim: sim}
	t.Cleanup(func() {
		h.http.Close()
		m.Close()
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

func TestStatusWhileDisconnected(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])

	code, _ = h.do(t, http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = h.do(t, http.MethodPost, "/api/guide", `{"direction":"north","durationMs":100}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusAndVersion(t *testing.T) {
	h := newHarness(t, true)

	code, body := h.do(t, http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "V2.1", body["version"])

	code, body = h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])
	assert.InDelta(t, 10.0, body["rightAscension"], 0.01)
	assert.InDelta(t, 45.0, body["declination"], 0.01)
}

func TestGuideEndpoint(t *testing.T) {
	h := newHarness(t, true)

	code, _ := h.do(t, http.MethodPost, "/api/guide", `{"direction":"up","durationMs":100}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/guide", `{"direction":"north","durationMs":-5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, body := h.do(t, http.MethodPost, "/api/guide", `{"direction":"north","durationMs":9223372036854775807}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "durationMs")
	assert.NotContains(t, h.sim.Received(), ":Mn#", "an overflowing duration never starts a pulse")
	code, _ = h.do(t, http.MethodPost, "/api/guide", `{"direction":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/guide", `{"direction":"n","durationMs":3600000}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/guide", `{"direction":"north","durationMs":100}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/abort", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, h.sim.Received(), ":Qn#")

	code, _ = h.do(t, http.MethodGet, "/api/guide", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestGuideWhileSlewing(t *testing.T) {
	h := newHarness(t, true)
	h.sim.Slew(12, 10)

	code, body := h.do(t, http.MethodPost, "/api/guide", `{"direction":"east","durationMs":100}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "slewing")
}

func TestSiteEndpoints(t *testing.T) {
	h := newHarness(t, true)

	code, _ := h.do(t, http.MethodPut, "/api/site", `{"latitude":-33.5,"longitude":151.25}`)
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodGet, "/api/site", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, -33.5, body["latitude"])
	assert.Equal(t, 151.25, body["longitude"])

	code, _ = h.do(t, http.MethodPut, "/api/site", `{"latitude":91,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTrackingRateEndpoints(t *testing.T) {
	h := newHarness(t, true)

	code, _ := h.do(t, http.MethodPut, "/api/tracking-rate", `{"rate":"lunar"}`)
	require.Equal(t, http.StatusOK, code)
	code, body := h.do(t, http.MethodGet, "/api/tracking-rate", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "lunar", body["rate"])

	code, _ = h.do(t, http.MethodPut, "/api/tracking-rate", `{"rate":"galactic"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGuideRateEndpoints(t *testing.T) {
	h := newHarness(t, true)

	rate := 0.6 * mount.SiderealRate
	code, _ := h.do(t, http.MethodPut, "/api/guide-rate", fmt.Sprintf(`{"degreesPerSecond":%v}`, rate))
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodGet, "/api/guide-rate", "")
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, rate, body["degreesPerSecond"], 1e-12)
	assert.Equal(t, 1, h.sim.State().UTCOffset, "offset restored after the rate change")
}

func TestTrackingEndpoints(t *testing.T) {
	h := newHarness(t, true)

	code, body := h.do(t, http.MethodGet, "/api/tracking", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["on"])

	code, _ = h.do(t, http.MethodPut, "/api/tracking", `{"on":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Eventually(t, func() bool { return !h.sim.State().Tracking }, time.Second, 10*time.Millisecond)
}

func TestReplyTimeoutMapsTo504(t *testing.T) {
	h := newHarness(t, true)
	h.sim.Mute(":GTR#", true)

	code, body := h.do(t, http.MethodGet, "/api/tracking-rate", "")
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.NotEmpty(t, body["error"])
}

func TestConfigEndpoint(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "mount")

	code, _ = h.do(t, http.MethodPost, "/api/config", `{"logging":{"enabled":true}}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, h.srv.recorder.IsEnabled())
	assert.FileExists(t, h.srv.cfg.Path())

	code, _ = h.do(t, http.MethodPost, "/api/config", `nope`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebSocketFrames(t *testing.T) {
	h := newHarness(t, true)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.NotEmpty(t, hello.ClientID)
	assert.NotEmpty(t, hello.Config)

	h.srv.poll()

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Status)
	assert.True(t, frame.Status.Connected)
	assert.Empty(t, frame.Error)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", mount.ErrInvalidArgument), http.StatusBadRequest},
		{guide.ErrUnknownDirection, http.StatusBadRequest},
		{guide.ErrAxisBusy, http.StatusConflict},
		{guide.ErrSlewing, http.StatusConflict},
		{fmt.Errorf(":GR#: %w", protocol.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf(":GR#: %w: bad", protocol.ErrProtocol), http.StatusBadGateway},
		{transport.ErrWrite, http.StatusBadGateway},
		{mount.ErrNotConnected, http.StatusServiceUnavailable},
		{transport.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
