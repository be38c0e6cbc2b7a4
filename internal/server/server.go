package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/guide"
	"github.com/shaunagostinho/gotostar/internal/logger"
	"github.com/shaunagostinho/gotostar/internal/mount"
	"github.com/shaunagostinho/gotostar/internal/protocol"
	"github.com/shaunagostinho/gotostar/internal/telemetry"
	"github.com/shaunagostinho/gotostar/internal/transport"
)

// Server polls the mount, broadcasts status to WebSocket clients and serves
// the control API.
type Server struct {
	cfg       *Config
	mount     *mount.Mount
	recorder  *logger.Logger
	telemetry *telemetry.Fanout
	log       *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	ClientID string          `json:"clientId,omitempty"`
	Status   *mount.Status   `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// New creates a new Server. fan may be nil.
func New(cfg *Config, m *mount.Mount, fan *telemetry.Fanout, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if fan == nil {
		fan = telemetry.NewFanout(log)
	}
	v := cfg.Snapshot()
	return &Server{
		cfg:   cfg,
		mount: m,
		recorder: logger.New(logger.Config{
			Enabled:    v.Logging.Enabled,
			Path:       v.Logging.Path,
			IntervalMs: v.Logging.Interval,
		}, log),
		telemetry: fan,
		log:       log.Named("server"),
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/guide", s.handleGuide).Methods(http.MethodPost)
	api.HandleFunc("/abort", s.handleAbort).Methods(http.MethodPost)
	api.HandleFunc("/site", s.handleGetSite).Methods(http.MethodGet)
	api.HandleFunc("/site", s.handlePutSite).Methods(http.MethodPut)
	api.HandleFunc("/tracking", s.handleGetTracking).Methods(http.MethodGet)
	api.HandleFunc("/tracking", s.handlePutTracking).Methods(http.MethodPut)
	api.HandleFunc("/tracking-rate", s.handleGetTrackingRate).Methods(http.MethodGet)
	api.HandleFunc("/tracking-rate", s.handlePutTrackingRate).Methods(http.MethodPut)
	api.HandleFunc("/guide-rate", s.handleGetGuideRate).Methods(http.MethodGet)
	api.HandleFunc("/guide-rate", s.handlePutGuideRate).Methods(http.MethodPut)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet, http.MethodPost)

	return r
}

// Run starts the HTTP server and the status poll loop. It returns when ctx
// is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Snapshot().Server.ListenAddr
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go s.pollLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.String("client", client.id), zap.Int("total", n))

	// Greet with the client id and current config
	hello := Frame{ClientID: client.id, Stamp: time.Now().UnixMilli()}
	if cfg, err := s.cfg.ToJSON(); err == nil {
		hello.Config = cfg
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and disconnect detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("ws client disconnected", zap.String("client", client.id), zap.Int("total", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mount.Status()
	if err != nil && !errors.Is(err, mount.ErrNotConnected) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.mount.Version()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

type guideRequest struct {
	Direction  string `json:"direction"`
	DurationMs int64  `json:"durationMs"`
}

// maxPulseMs is the longest pulse that still fits in a time.Duration.
const maxPulseMs = int64(math.MaxInt64 / int64(time.Millisecond))

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	var req guideRequest
	if !readJSON(w, r, &req) {
		return
	}
	dir, err := guide.ParseDirection(req.Direction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.DurationMs > maxPulseMs {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("durationMs %d exceeds %d", req.DurationMs, maxPulseMs),
		})
		return
	}
	if err := s.mount.PulseGuide(dir, time.Duration(req.DurationMs)*time.Millisecond); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.mount.AbortSlew(); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

type siteBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	var site siteBody
	var err error
	if site.Latitude, err = s.mount.SiteLatitude(); err != nil {
		s.writeError(w, err)
		return
	}
	if site.Longitude, err = s.mount.SiteLongitude(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handlePutSite(w http.ResponseWriter, r *http.Request) {
	var site siteBody
	if !readJSON(w, r, &site) {
		return
	}
	if err := s.mount.SetSiteLatitude(site.Latitude); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.mount.SetSiteLongitude(site.Longitude); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

type trackingBody struct {
	On bool `json:"on"`
}

func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	on, err := s.mount.Tracking(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackingBody{On: on})
}

func (s *Server) handlePutTracking(w http.ResponseWriter, r *http.Request) {
	var body trackingBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.mount.SetTracking(body.On); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

type trackingRateBody struct {
	Rate mount.TrackingRate `json:"rate"`
}

func (s *Server) handleGetTrackingRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.mount.TrackingRate()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackingRateBody{Rate: rate})
}

func (s *Server) handlePutTrackingRate(w http.ResponseWriter, r *http.Request) {
	var body trackingRateBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.mount.SetTrackingRate(body.Rate); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

type guideRateBody struct {
	DegreesPerSecond float64 `json:"degreesPerSecond"`
}

func (s *Server) handleGetGuideRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.mount.GuideRate()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guideRateBody{DegreesPerSecond: rate})
}

func (s *Server) handlePutGuideRate(w http.ResponseWriter, r *http.Request) {
	var body guideRateBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.mount.SetGuideRate(body.DegreesPerSecond); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
	}
	s.recorder.SetEnabled(s.cfg.Snapshot().Logging.Enabled)

	// Broadcast updated config
	if data, err := s.cfg.ToJSON(); err == nil {
		s.broadcast(Frame{Config: data, Stamp: time.Now().UnixMilli()})
	}
	writeOK(w)
}

// pollLoop reads a status snapshot at the configured rate and hands it to
// the WebSocket clients, the session recorder and telemetry.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Snapshot().Mount.PollHz
	if hz <= 0 {
		hz = 2
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	defer s.recorder.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Server) poll() {
	st, err := s.mount.Status()
	if errors.Is(err, mount.ErrNotConnected) {
		err = nil
	}
	frame := Frame{Status: &st, Stamp: st.Time.UnixMilli()}
	if err != nil {
		s.log.Debug("status poll failed", zap.Error(err))
		frame.Error = err.Error()
	}
	s.broadcast(frame)

	// partial snapshots are not recorded
	if err == nil {
		s.recorder.Record(st)
		s.telemetry.Publish(st)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("encode frame", zap.Error(err))
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// statusFor maps a mount error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mount.ErrInvalidArgument),
		errors.Is(err, guide.ErrUnknownDirection),
		errors.Is(err, guide.ErrNegativeDuration):
		return http.StatusBadRequest
	case errors.Is(err, guide.ErrSlewing), errors.Is(err, guide.ErrAxisBusy):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, mount.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrProtocol),
		errors.Is(err, transport.ErrWrite),
		errors.Is(err, transport.ErrOpen):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Int("code", code), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
