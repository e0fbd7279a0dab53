package export

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

type transportMock struct {
	batches [][]string
	fail    map[int]bool
}

func (t *transportMock) WriteBatch(_ context.Context, lines []string) error {
	t.batches = append(t.batches, lines)
	if t.fail[len(t.batches)-1] {
		return errors.New("write failed")
	}
	return nil
}

func snapshots(n int) []types.PointSnapshot {
	points := make([]types.PointSnapshot, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, types.PointSnapshot{
			Point: types.Point{
				PointID:      40000 + i,
				RegisterID:   "100",
				RegisterType: types.RegisterTypeHolding,
				Scale:        1,
			},
			RawValue: i,
		})
	}
	return points
}

func passAllConfig() Config {
	return Config{
		Measurement: "points",
		Filter:      Filter{Holding: &RegisterFilter{all: true}},
	}
}

func TestExportBatchesLines(t *testing.T) {
	is := is.New(t)

	transport := &transportMock{}
	cfg := passAllConfig()
	cfg.BatchSize = 10

	stats := New(cfg, transport).Export(context.Background(), 1, snapshots(25))

	is.Equal(stats.Passed, 25)
	is.Equal(stats.Filtered, 0)
	is.Equal(stats.Batches, 3)
	is.Equal(stats.FailedBatches, 0)
	is.Equal(len(transport.batches), 3)
	is.Equal(len(transport.batches[2]), 5)
}

func TestExportContinuesAfterFailedBatch(t *testing.T) {
	is := is.New(t)

	transport := &transportMock{fail: map[int]bool{0: true}}
	cfg := passAllConfig()
	cfg.BatchSize = 10

	stats := New(cfg, transport).Export(context.Background(), 1, snapshots(25))

	is.Equal(stats.Batches, 3)
	is.Equal(stats.FailedBatches, 1)
	is.Equal(len(transport.batches), 3)
}

func TestExportCountsFilteredPoints(t *testing.T) {
	is := is.New(t)

	transport := &transportMock{}
	cfg := passAllConfig()
	cfg.Filter.SuppressValues = NewValueFilter([]string{"0"})

	stats := New(cfg, transport).Export(context.Background(), 1, snapshots(5))

	is.Equal(stats.Passed, 4)
	is.Equal(stats.Filtered, 1)
}

func TestExportLineFormat(t *testing.T) {
	is := is.New(t)

	transport := &transportMock{}

	points := []types.PointSnapshot{{
		Point: types.Point{
			PointID:      40008,
			RegisterID:   "8",
			RegisterType: types.RegisterTypeInput,
			Scale:        10,
		},
		RawValue: 215,
	}}

	cfg := passAllConfig()
	cfg.Filter.Input = &RegisterFilter{all: true}
	cfg.Measurement = "heatpump"

	stats := New(cfg, transport).Export(context.Background(), 3, points)

	is.Equal(stats.Passed, 1)
	is.Equal(len(transport.batches), 1)

	line := transport.batches[0][0]
	is.True(strings.HasPrefix(line, "heatpump,register=8,device=3 value=21.5 "))
}

func TestExportEmptySnapshotWritesNothing(t *testing.T) {
	is := is.New(t)

	transport := &transportMock{}

	stats := New(passAllConfig(), transport).Export(context.Background(), 1, nil)

	is.Equal(stats.Batches, 0)
	is.Equal(len(transport.batches), 0)
}
