package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/gotostar/internal/gps"
	"github.com/shaunagostinho/gotostar/internal/mount"
	"github.com/shaunagostinho/gotostar/internal/server"
	"github.com/shaunagostinho/gotostar/internal/simulator"
	"github.com/shaunagostinho/gotostar/internal/telemetry"
	"github.com/shaunagostinho/gotostar/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/gotostar/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated controller and GPS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	verbose := flag.Bool("verbose", false, "Log every controller exchange")
	flag.Parse()

	var (
		log *zap.Logger
		err error
	)
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("gotostar starting")

	cfg := server.LoadConfig(*configPath, log)
	if *demo {
		cfg.Mount.Type = "demo"
		if cfg.GPS.Type != "disabled" {
			cfg.GPS.Type = "demo"
		}
	}
	if *verbose {
		cfg.Mount.Verbose = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shut down")
}

func run(ctx context.Context, cfg *server.Config, log *zap.Logger) error {
	v := cfg.Snapshot()
	g, gctx := errgroup.WithContext(ctx)

	opts := v.Mount.Options()
	if v.Mount.Type == "demo" {
		log.Info("using simulated controller")
		opts.PortName = "simulator"
		opts.Dialer = demoDialer(gctx, log)
	}
	m := mount.New(opts, log)

	var gpsProv gps.Provider
	switch v.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(gps.NMEAConfig{
			PortPath: v.GPS.PortPath,
			BaudRate: v.GPS.BaudRate,
		}, log)
	case "demo":
		lat, lon := v.Site.Latitude, v.Site.Longitude
		if lat == 0 && lon == 0 {
			lat, lon = 52.37, 4.90
		}
		gpsProv = gps.NewDemoGPS(lat, lon, 3)
	}
	if gpsProv != nil {
		go connectWithRetry(gctx, "GPS", gpsProv.Connect, 10, log)
		defer gpsProv.Close()
	}

	fan := telemetry.NewFanout(log, sinks(v.Telemetry, log)...)
	g.Go(func() error { return fan.Run(gctx) })

	g.Go(func() error {
		superviseMount(gctx, m, v, gpsProv, log)
		return nil
	})

	srv := server.New(cfg, m, fan, log)
	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}

// demoDialer starts a fresh simulator for every connection attempt. A
// simulator that fails only drops its own link; the supervisor reconnects.
func demoDialer(ctx context.Context, log *zap.Logger) transport.Dialer {
	return transport.DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		sim, host := simulator.New(simulator.Options{
			Logger:   log,
			BurstGap: 5 * time.Millisecond,
		})
		go func() {
			if err := sim.Run(ctx); err != nil {
				log.Warn("simulator stopped", zap.Error(err))
			}
		}()
		return host, nil
	})
}

func sinks(t server.TelemetryConfig, log *zap.Logger) []telemetry.Sink {
	var out []telemetry.Sink
	if t.Influx.Enabled {
		out = append(out, telemetry.NewInflux(telemetry.InfluxOptions{
			URL:         t.Influx.URL,
			Token:       t.Influx.Token,
			Org:         t.Influx.Org,
			Bucket:      t.Influx.Bucket,
			Measurement: t.Influx.Measurement,
		}, log))
	}
	if t.MQTT.Enabled {
		sink, err := telemetry.NewMQTT(telemetry.MQTTOptions{
			Broker:   t.MQTT.Broker,
			ClientID: t.MQTT.ClientID,
			Username: t.MQTT.Username,
			Password: t.MQTT.Password,
			Topic:    t.MQTT.Topic,
			QoS:      t.MQTT.QoS,
			Retained: t.MQTT.Retained,
		}, log)
		if err != nil {
			log.Warn("mqtt telemetry disabled", zap.Error(err))
		} else {
			out = append(out, sink)
		}
	}
	return out
}

// superviseMount keeps the mount connected until ctx is done, syncing the
// site after every successful connect.
func superviseMount(ctx context.Context, m *mount.Mount, v server.Values, gpsProv gps.Provider, log *zap.Logger) {
	defer m.Close()
	for {
		connect := func() error {
			_, err := m.Connect(ctx)
			return err
		}
		if !connectWithRetry(ctx, "mount", connect, 10, log) {
			return
		}
		if err := syncSite(ctx, m, v, gpsProv, log); err != nil {
			log.Warn("site sync failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-m.Done():
			log.Warn("mount link lost, reconnecting")
			m.Close()
		}
	}
}

// syncSite writes the configured or GPS-derived site to the controller.
func syncSite(ctx context.Context, m *mount.Mount, v server.Values, gpsProv gps.Provider, log *zap.Logger) error {
	var lat, lon float64
	switch v.Site.Source {
	case "config":
		lat, lon = v.Site.Latitude, v.Site.Longitude
	case "gps":
		if gpsProv == nil {
			return errors.New("site source is gps but no receiver is configured")
		}
		wait := time.Duration(v.GPS.FixWaitMs) * time.Millisecond
		fixCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		fix, err := gps.WaitForFix(fixCtx, gpsProv, 500*time.Millisecond)
		if err != nil {
			return err
		}
		lat, lon = fix.Latitude, fix.Longitude
	default:
		return nil
	}

	if err := m.SetSiteLatitude(lat); err != nil {
		return fmt.Errorf("latitude: %w", err)
	}
	if err := m.SetSiteLongitude(lon); err != nil {
		return fmt.Errorf("longitude: %w", err)
	}
	if v.Site.SetOffset {
		if err := m.SetUTCOffset(v.Site.UTCOffset); err != nil {
			return fmt.Errorf("utc offset: %w", err)
		}
	}
	log.Info("site synced",
		zap.String("source", v.Site.Source),
		zap.Float64("latitude", lat),
		zap.Float64("longitude", lon))
	return nil
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false when ctx
// ended first.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int, log *zap.Logger) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := connect()
		if err == nil {
			log.Info("connected", zap.String("device", name), zap.Int("attempt", attempt+1))
			return true
		}

		attempt++
		fields := []zap.Field{
			zap.String("device", name),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		}
		if attempt <= maxAttempts {
			log.Warn("connect failed", fields...)
		} else {
			log.Debug("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
