package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

func (s *Storage) UpsertPoint(ctx context.Context, p types.Point) error {
	args := pgx.NamedArgs{
		"point_id":       p.PointID,
		"register_id":    p.RegisterID,
		"title":          p.Title,
		"register_type":  p.RegisterType,
		"scale":          p.Scale,
		"decimal_places": p.DecimalPlaces,
		"unit":           p.Unit,
		"writable":       p.Writable,
	}

	if !s.caps.PointMetadata {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO points (point_id, register_id, title, register_type, scale, decimal_places, unit, writable)
			VALUES (@point_id, @register_id, @title, @register_type, @scale, @decimal_places, @unit, @writable)
			ON CONFLICT (point_id) DO UPDATE SET
				register_id = EXCLUDED.register_id, title = EXCLUDED.title, register_type = EXCLUDED.register_type,
				scale = EXCLUDED.scale, decimal_places = EXCLUDED.decimal_places, unit = EXCLUDED.unit,
				writable = EXCLUDED.writable, modified_on = CURRENT_TIMESTAMP
		`, args)
		return err
	}

	args["variable_type"] = p.VariableType
	args["variable_size"] = p.VariableSize
	args["min_value"] = p.Min
	args["max_value"] = p.Max

	_, err := s.pool.Exec(ctx, `
		INSERT INTO points (point_id, register_id, title, register_type, scale, decimal_places, unit, variable_type, variable_size, min_value, max_value, writable)
		VALUES (@point_id, @register_id, @title, @register_type, @scale, @decimal_places, @unit, @variable_type, @variable_size, @min_value, @max_value, @writable)
		ON CONFLICT (point_id) DO UPDATE SET
			register_id = EXCLUDED.register_id, title = EXCLUDED.title, register_type = EXCLUDED.register_type,
			scale = EXCLUDED.scale, decimal_places = EXCLUDED.decimal_places, unit = EXCLUDED.unit,
			variable_type = EXCLUDED.variable_type, variable_size = EXCLUDED.variable_size,
			min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value,
			writable = EXCLUDED.writable, modified_on = CURRENT_TIMESTAMP
	`, args)

	return err
}

func (s *Storage) GetPoint(ctx context.Context, pointID int) (types.Point, error) {
	p := types.Point{}

	err := s.pool.QueryRow(ctx, `
		SELECT point_id, register_id, title, register_type, scale, decimal_places, unit, writable
		FROM points
		WHERE point_id = @point_id
	`, pgx.NamedArgs{"point_id": pointID}).
		Scan(&p.PointID, &p.RegisterID, &p.Title, &p.RegisterType, &p.Scale, &p.DecimalPlaces, &p.Unit, &p.Writable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Point{}, ErrNoRows
		}
		return types.Point{}, err
	}

	return p, nil
}

// AddEntry appends a history row unconditionally. Used for manual writes
// and bulk imports, which bypass both the change check and the suppression
// list.
func (s *Storage) AddEntry(ctx context.Context, e types.LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO point_history (point_id, device_id, raw_value, origin, time)
		VALUES (@point_id, @device_id, @raw_value, @origin, @time)
	`, entryArgs(e))

	return err
}

// AddEntryIfChanged appends a row only when the most recent raw value for
// the (point, device) pair differs, or no prior row exists. The check and
// the insert run as a single statement so concurrent writers cannot both
// observe a stale latest value.
func (s *Storage) AddEntryIfChanged(ctx context.Context, e types.LogEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO point_history (point_id, device_id, raw_value, origin, time)
		SELECT @point_id, @device_id, @raw_value, @origin, @time
		WHERE @raw_value IS DISTINCT FROM (
			SELECT raw_value FROM point_history
			WHERE point_id = @point_id AND device_id = @device_id
			ORDER BY time DESC LIMIT 1
		)
	`, entryArgs(e))
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// AddEntryIfUnseen appends a row only when the (point, device) pair has no
// history at all. This is how points on the suppression list still get
// their baseline entry.
func (s *Storage) AddEntryIfUnseen(ctx context.Context, e types.LogEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO point_history (point_id, device_id, raw_value, origin, time)
		SELECT @point_id, @device_id, @raw_value, @origin, @time
		WHERE NOT EXISTS (
			SELECT 1 FROM point_history
			WHERE point_id = @point_id AND device_id = @device_id
		)
	`, entryArgs(e))
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func entryArgs(e types.LogEntry) pgx.NamedArgs {
	t := e.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}

	return pgx.NamedArgs{
		"point_id":  e.PointID,
		"device_id": e.DeviceID,
		"raw_value": e.RawValue,
		"origin":    e.Origin,
		"time":      t,
	}
}

func (s *Storage) QueryHistory(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.LogEntry], error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	if condition.sortBy == "" {
		condition.sortBy = "time"
		condition.sortOrder = "DESC"
	}

	args := condition.NamedArgs()
	where := condition.Where()

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT point_id, device_id, raw_value, origin, time, count(*) OVER () AS count
		FROM point_history
		%s
		ORDER BY %s %s
		%s
	`, where, condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return types.Collection[types.LogEntry]{}, err
	}

	var entry types.LogEntry
	var count int64

	entries := make([]types.LogEntry, 0)

	_, err = pgx.ForEachRow(rows, []any{&entry.PointID, &entry.DeviceID, &entry.RawValue, &entry.Origin, &entry.Time, &count}, func() error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return types.Collection[types.LogEntry]{}, err
	}

	return types.Collection[types.LogEntry]{
		Data:       entries,
		Count:      uint64(len(entries)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

func (s *Storage) SetAnnotation(ctx context.Context, a types.Annotation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO point_annotations (point_id, menu_path)
		VALUES (@point_id, @menu_path)
		ON CONFLICT (point_id) DO UPDATE SET menu_path = EXCLUDED.menu_path, modified_on = CURRENT_TIMESTAMP
	`, pgx.NamedArgs{"point_id": a.PointID, "menu_path": a.MenuPath})

	return err
}

func (s *Storage) DeleteAnnotation(ctx context.Context, pointID int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM point_annotations WHERE point_id = @point_id
	`, pgx.NamedArgs{"point_id": pointID})

	return err
}

func (s *Storage) GetAnnotations(ctx context.Context) ([]types.Annotation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT point_id, menu_path FROM point_annotations ORDER BY point_id ASC
	`)
	if err != nil {
		return nil, err
	}

	var a types.Annotation

	annotations := make([]types.Annotation, 0)

	_, err = pgx.ForEachRow(rows, []any{&a.PointID, &a.MenuPath}, func() error {
		annotations = append(annotations, a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return annotations, nil
}
