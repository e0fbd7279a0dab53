package pointlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/pointlog")

var ErrPointNotFound = fmt.Errorf("point not found")

// Config lists point ids whose automatic changes are noise (counters,
// uptime seconds) and should not accrue history beyond a baseline.
type Config struct {
	Suppress []int `yaml:"suppress"`
}

// PointLog decides, for every polling cycle, which raw register readings
// constitute a change worth persisting, and keeps the per-device history
// append-only and totally ordered.
type PointLog interface {
	LogSnapshot(ctx context.Context, deviceID int, points []types.PointSnapshot) types.BatchResult
	LogManual(ctx context.Context, deviceID, pointID, rawValue int) error
	Import(ctx context.Context, entries []types.LogEntry) types.BatchResult
	History(ctx context.Context, pointID int, conditions ...storage.ConditionFunc) (types.Collection[types.LogEntry], error)

	SetAnnotation(ctx context.Context, a types.Annotation) error
	DeleteAnnotation(ctx context.Context, pointID int) error
	Annotations(ctx context.Context) ([]types.Annotation, error)
}

type Storage interface {
	UpsertPoint(ctx context.Context, p types.Point) error
	GetPoint(ctx context.Context, pointID int) (types.Point, error)
	AddEntry(ctx context.Context, e types.LogEntry) error
	AddEntryIfChanged(ctx context.Context, e types.LogEntry) (bool, error)
	AddEntryIfUnseen(ctx context.Context, e types.LogEntry) (bool, error)
	QueryHistory(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.LogEntry], error)
	SetAnnotation(ctx context.Context, a types.Annotation) error
	DeleteAnnotation(ctx context.Context, pointID int) error
	GetAnnotations(ctx context.Context) ([]types.Annotation, error)
}

type service struct {
	storage    Storage
	suppressed map[int]struct{}
}

func New(s Storage, suppressionList []int) PointLog {
	suppressed := make(map[int]struct{}, len(suppressionList))
	for _, id := range suppressionList {
		suppressed[id] = struct{}{}
	}

	return &service{
		storage:    s,
		suppressed: suppressed,
	}
}

// LogSnapshot runs one change-log pass over a normalized snapshot batch.
// Only writable points are considered. A persistence error on one point is
// counted and the rest of the batch continues; the caller surfaces the
// failure tally, not an error.
func (s *service) LogSnapshot(ctx context.Context, deviceID int, points []types.PointSnapshot) types.BatchResult {
	ctx, span := tracer.Start(ctx, "log-snapshot")
	defer span.End()

	log := logging.GetFromContext(ctx)

	result := types.BatchResult{}

	for _, p := range points {
		err := s.storage.UpsertPoint(ctx, p.Point)
		if err != nil {
			log.Error("could not upsert point definition", "point_id", p.PointID, "err", err.Error())
			result.Failed++
			continue
		}

		if !p.Writable {
			result.Skipped++
			continue
		}

		entry := types.LogEntry{
			PointID:  p.PointID,
			DeviceID: deviceID,
			RawValue: p.RawValue,
			Origin:   types.OriginAuto,
		}

		if _, ok := s.suppressed[p.PointID]; ok {
			// the first observation still establishes a baseline
			logged, err := s.storage.AddEntryIfUnseen(ctx, entry)
			if err != nil {
				log.Error("could not log baseline entry", "point_id", p.PointID, "err", err.Error())
				result.Failed++
				continue
			}
			if logged {
				result.Logged++
			} else {
				result.Suppressed++
			}
			continue
		}

		logged, err := s.storage.AddEntryIfChanged(ctx, entry)
		if err != nil {
			log.Error("could not log value change", "point_id", p.PointID, "err", err.Error())
			result.Failed++
			continue
		}
		if logged {
			result.Logged++
		} else {
			result.Unchanged++
		}
	}

	return result
}

// LogManual records a value written by a human. Manual writes always append
// regardless of the suppression list or the current value.
func (s *service) LogManual(ctx context.Context, deviceID, pointID, rawValue int) error {
	ctx, span := tracer.Start(ctx, "log-manual")
	defer span.End()

	return s.storage.AddEntry(ctx, types.LogEntry{
		PointID:  pointID,
		DeviceID: deviceID,
		RawValue: rawValue,
		Origin:   types.OriginManual,
	})
}

// Import appends externally provided history rows. Unknown points get a
// placeholder definition so the rows have a master record to hang off.
func (s *service) Import(ctx context.Context, entries []types.LogEntry) types.BatchResult {
	ctx, span := tracer.Start(ctx, "import-entries")
	defer span.End()

	log := logging.GetFromContext(ctx)

	result := types.BatchResult{}

	for _, e := range entries {
		_, err := s.storage.GetPoint(ctx, e.PointID)
		if errors.Is(err, storage.ErrNoRows) {
			err = s.storage.UpsertPoint(ctx, types.Point{
				PointID:      e.PointID,
				RegisterID:   "-",
				Title:        fmt.Sprintf("imported point %d", e.PointID),
				RegisterType: types.RegisterTypeUnknown,
				Scale:        1,
			})
		}
		if err != nil {
			log.Error("could not resolve point for import", "point_id", e.PointID, "err", err.Error())
			result.Failed++
			continue
		}

		e.Origin = types.OriginImported

		err = s.storage.AddEntry(ctx, e)
		if err != nil {
			log.Error("could not store imported entry", "point_id", e.PointID, "err", err.Error())
			result.Failed++
			continue
		}

		result.Logged++
	}

	return result
}

func (s *service) History(ctx context.Context, pointID int, conditions ...storage.ConditionFunc) (types.Collection[types.LogEntry], error) {
	_, err := s.storage.GetPoint(ctx, pointID)
	if errors.Is(err, storage.ErrNoRows) {
		return types.Collection[types.LogEntry]{}, ErrPointNotFound
	}
	if err != nil {
		return types.Collection[types.LogEntry]{}, err
	}

	conditions = append(conditions, storage.WithPointID(pointID))

	return s.storage.QueryHistory(ctx, conditions...)
}

func (s *service) SetAnnotation(ctx context.Context, a types.Annotation) error {
	return s.storage.SetAnnotation(ctx, a)
}

func (s *service) DeleteAnnotation(ctx context.Context, pointID int) error {
	return s.storage.DeleteAnnotation(ctx, pointID)
}

func (s *service) Annotations(ctx context.Context) ([]types.Annotation, error) {
	return s.storage.GetAnnotations(ctx)
}
