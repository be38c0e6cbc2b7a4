package gps

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAProvider struct {
	portPath string
	baudRate int
	log      *zap.Logger

	port    io.ReadCloser
	scanner *bufio.Scanner
	mu      sync.Mutex
	last    Data
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string
	BaudRate int
}

// openPort is swapped out in tests.
var openPort = func(name string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	port.SetReadTimeout(200 * time.Millisecond)
	return port, nil
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig, log *zap.Logger) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      log.Named("gps"),
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()
	n.log.Info("connected", zap.String("port", n.portPath), zap.Int("baud", n.baudRate))
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port == nil {
		return nil
	}
	err := n.port.Close()
	n.port, n.scanner = nil, nil
	return err
}

// Read reads NMEA sentences until it has seen both RMC and GGA, or gives up
// after a few lines, and returns the latest fix.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		last := n.last
		return &last, fmt.Errorf("gps: not connected")
	}

	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			break
		}
		switch sentenceType(strings.TrimSpace(n.scanner.Text())) {
		case "RMC":
			n.parseRMC(strings.TrimSpace(n.scanner.Text()))
			gotRMC = true
		case "GGA":
			n.parseGGA(strings.TrimSpace(n.scanner.Text()))
			gotGGA = true
		}
	}

	last := n.last
	return &last, nil
}

// sentenceType returns "RMC", "GGA", ... for a checksummed sentence from
// any talker, or "" when the line is not a valid sentence.
func sentenceType(line string) string {
	if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
		return ""
	}
	parts := splitNMEA(line)
	if len(parts[0]) != 5 {
		return ""
	}
	return parts[0][2:]
}

func (n *NMEAProvider) parseRMC(line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	n.last.Timestamp = parts[1]
	n.last.Valid = parts[2] == "A"

	if n.last.Valid {
		n.last.Latitude = parseNMEACoord(parts[3], parts[4])
		n.last.Longitude = parseNMEACoord(parts[5], parts[6])
	}
}

func (n *NMEAProvider) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.last.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.last.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.last.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.last.Altitude = alt
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}

// DemoGPS reports a fixed site after a short acquisition delay.
type DemoGPS struct {
	mu        sync.Mutex
	site      Data
	reads     int
	fixAfter  int
	connected bool
}

// NewDemoGPS returns a receiver that gets its fix on the fixAfter-th read.
func NewDemoGPS(lat, lon float64, fixAfter int) *DemoGPS {
	return &DemoGPS{
		site: Data{
			Valid:      true,
			Latitude:   lat,
			Longitude:  lon,
			Altitude:   12,
			Satellites: 9,
			FixQuality: 1,
			HDOP:       0.9,
		},
		fixAfter: fixAfter,
	}
}

func (d *DemoGPS) Name() string { return "Demo GPS (Simulated)" }

func (d *DemoGPS) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *DemoGPS) Close() error { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return &Data{}, fmt.Errorf("gps: not connected")
	}
	d.reads++
	fix := d.site
	fix.Timestamp = time.Now().UTC().Format("150405.00")
	if d.reads < d.fixAfter {
		return &Data{Timestamp: fix.Timestamp}, nil
	}
	return &fix, nil
}
