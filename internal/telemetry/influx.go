package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

// InfluxOptions configures an InfluxSink.
type InfluxOptions struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxSink writes snapshots as points through the non-blocking write API.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteApi
	measurement string
}

// NewInflux creates the client and starts logging asynchronous write errors.
func NewInflux(opts InfluxOptions, log *zap.Logger) *InfluxSink {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Measurement == "" {
		opts.Measurement = "mount"
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	writeAPI := client.WriteApi(opts.Org, opts.Bucket)

	log = log.Named("influx")
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("write error", zap.Error(err))
		}
	}()
	log.Info("writing status", zap.String("url", opts.URL), zap.String("bucket", opts.Bucket))

	return &InfluxSink{client: client, writeAPI: writeAPI, measurement: opts.Measurement}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(st mount.Status) error {
	ts := st.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s.writeAPI.WritePoint(influxdb2.NewPoint(s.measurement, tags(st), fields(st), ts))
	return nil
}

func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
