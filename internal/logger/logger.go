// Package logger records mount status snapshots to CSV session files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

// Logger records timestamped mount status to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
}

const (
	maxRowsPerFile = 100_000 // ~28 hrs at 1 Hz
	defaultDir     = "/var/log/gotostar"
)

var csvHeader = []string{
	"timestamp", "connected",
	"ra_hours", "dec_deg", "alt_deg", "az_deg",
	"pier_side", "lst_hours", "slewing", "guiding",
}

// New creates a new Logger.
func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = time.Second
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("logger"),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a snapshot if the minimum interval has elapsed since the
// last row.
func (l *Logger) Record(st mount.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	ts := st.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if !l.lastTs.IsZero() && ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(ts); err != nil {
			l.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	if err := l.writer.Write(buildRow(ts, st)); err != nil {
		l.log.Error("write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("gotostar_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened session log", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, st mount.Status) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = boolStr(st.Connected)
	if !st.Connected {
		return row
	}
	row[2] = strconv.FormatFloat(st.RightAscension, 'f', 6, 64)
	row[3] = strconv.FormatFloat(st.Declination, 'f', 5, 64)
	row[4] = strconv.FormatFloat(st.Altitude, 'f', 5, 64)
	row[5] = strconv.FormatFloat(st.Azimuth, 'f', 5, 64)
	row[6] = st.SideOfPier.String()
	row[7] = strconv.FormatFloat(st.SiderealTime, 'f', 6, 64)
	row[8] = boolStr(st.Slewing)
	row[9] = boolStr(st.Guiding)
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
