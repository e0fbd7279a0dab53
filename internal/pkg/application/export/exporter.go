package export

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/nibe"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/export")

const defaultBatchSize = 100

type Config struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	BatchSize   int    `yaml:"batchSize"`
	Filter      Filter `yaml:"registers"`
}

// Stats summarizes one export pass.
type Stats struct {
	Passed        int
	Filtered      int
	Batches       int
	FailedBatches int
}

// Exporter mirrors accepted data points into the time-series store. It is a
// best-effort side channel: a failed batch is counted and later batches are
// still attempted.
type Exporter interface {
	Export(ctx context.Context, deviceID int, points []types.PointSnapshot) Stats
}

// Transport writes a batch of pre-formatted measurement lines.
type Transport interface {
	WriteBatch(ctx context.Context, lines []string) error
}

type influxTransport struct {
	writer api.WriteAPIBlocking
}

func NewInfluxTransport(cfg Config) Transport {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &influxTransport{
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (t *influxTransport) WriteBatch(ctx context.Context, lines []string) error {
	return t.writer.WriteRecord(ctx, lines...)
}

type exporter struct {
	cfg       Config
	transport Transport
}

func New(cfg Config, transport Transport) Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "points"
	}

	return &exporter{
		cfg:       cfg,
		transport: transport,
	}
}

func (e *exporter) Export(ctx context.Context, deviceID int, points []types.PointSnapshot) Stats {
	ctx, span := tracer.Start(ctx, "export-points")
	defer span.End()

	log := logging.GetFromContext(ctx)

	stats := Stats{}
	now := time.Now().UTC()

	accepted := lo.Filter(points, func(p types.PointSnapshot, _ int) bool {
		return e.cfg.Filter.Pass(p, nibe.ComputedValue(p.RawValue, p.Scale))
	})

	stats.Passed = len(accepted)
	stats.Filtered = len(points) - len(accepted)

	lines := lo.Map(accepted, func(p types.PointSnapshot, _ int) string {
		return e.formatLine(deviceID, p, now)
	})

	for _, batch := range lo.Chunk(lines, e.cfg.BatchSize) {
		stats.Batches++

		err := e.transport.WriteBatch(ctx, batch)
		if err != nil {
			log.Error("failed to write export batch", "batch_size", len(batch), "err", err.Error())
			stats.FailedBatches++
		}
	}

	return stats
}

func (e *exporter) formatLine(deviceID int, p types.PointSnapshot, ts time.Time) string {
	value := strconv.FormatFloat(nibe.ComputedValue(p.RawValue, p.Scale), 'f', -1, 64)

	return fmt.Sprintf("%s,register=%s,device=%d value=%s %d",
		e.cfg.Measurement, p.RegisterID, deviceID, value, ts.Unix())
}
