package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

// AddNotification inserts an alarm event keyed by its natural key
// (device_id, alarm_id, time). A conflicting insert is the expected outcome
// when the same unresolved alarm is observed on consecutive polls; it
// reports inserted=false and no error. The returned id is only meaningful
// when inserted is true.
func (s *Storage) AddNotification(ctx context.Context, n types.Notification) (int64, bool, error) {
	args := pgx.NamedArgs{
		"device_id":   n.DeviceID,
		"alarm_id":    n.AlarmID,
		"severity":    n.Severity,
		"header":      n.Header,
		"description": n.Description,
		"equip_name":  n.EquipName,
		"time":        n.Time.UTC(),
	}

	var id int64

	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (device_id, alarm_id, severity, header, description, equip_name, time)
		VALUES (@device_id, @alarm_id, @severity, @header, @description, @equip_name, @time)
		ON CONFLICT ON CONSTRAINT uniq_notifications_natural_key DO NOTHING
		RETURNING id
	`, args).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}

	return id, true, nil
}

func (s *Storage) GetNotification(ctx context.Context, id int64) (types.Notification, error) {
	var n types.Notification

	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, alarm_id, severity, header, description, equip_name, time, reset_at
		FROM notifications
		WHERE id = @id
	`, pgx.NamedArgs{"id": id}).
		Scan(&n.ID, &n.DeviceID, &n.AlarmID, &n.Severity, &n.Header, &n.Description, &n.EquipName, &n.Time, &n.ResetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Notification{}, ErrNoRows
		}
		return types.Notification{}, err
	}

	return n, nil
}

func (s *Storage) QueryNotifications(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Notification], error) {
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
	if !condition.IncludeReset {
		if where == "" {
			where = "WHERE reset_at IS NULL"
		} else {
			where += " AND reset_at IS NULL"
		}
	}

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT id, device_id, alarm_id, severity, header, description, equip_name, time, reset_at, count(*) OVER () AS count
		FROM notifications
		%s
		ORDER BY %s %s
		%s
	`, where, condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return types.Collection[types.Notification]{}, err
	}

	var n types.Notification
	var count int64

	notifications := make([]types.Notification, 0)

	_, err = pgx.ForEachRow(rows, []any{&n.ID, &n.DeviceID, &n.AlarmID, &n.Severity, &n.Header, &n.Description, &n.EquipName, &n.Time, &n.ResetAt, &count}, func() error {
		m := n
		if n.ResetAt != nil {
			t := *n.ResetAt
			m.ResetAt = &t
		}
		notifications = append(notifications, m)
		return nil
	})
	if err != nil {
		return types.Collection[types.Notification]{}, err
	}

	return types.Collection[types.Notification]{
		Data:       notifications,
		Count:      uint64(len(notifications)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

// ResetNotification acknowledges a single notification. The reset timestamp
// is written once; rows that are already reset are left untouched.
func (s *Storage) ResetNotification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET reset_at = CURRENT_TIMESTAMP WHERE id = @id AND reset_at IS NULL
	`, pgx.NamedArgs{"id": id})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = @id)`, pgx.NamedArgs{"id": id}).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNoRows
		}
	}

	return nil
}

// ResetAllNotifications acknowledges every unresolved notification matching
// the given conditions. Without conditions it covers all devices.
func (s *Storage) ResetAllNotifications(ctx context.Context, conditions ...ConditionFunc) (int64, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	where := condition.Where()
	if where == "" {
		where = "WHERE reset_at IS NULL"
	} else {
		where += " AND reset_at IS NULL"
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE notifications SET reset_at = CURRENT_TIMESTAMP %s
	`, where), condition.NamedArgs())
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// LatestDispatch returns the time of the most recent dispatch recorded for
// the (device, alarm) identity. ErrNoRows means no dispatch has ever been
// recorded.
func (s *Storage) LatestDispatch(ctx context.Context, deviceID, alarmID int) (time.Time, error) {
	var latest *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT max(sent_at) FROM notification_dispatches
		WHERE device_id = @device_id AND alarm_id = @alarm_id
	`, pgx.NamedArgs{"device_id": deviceID, "alarm_id": alarmID}).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}

	if latest == nil {
		return time.Time{}, ErrNoRows
	}

	return *latest, nil
}

func (s *Storage) AddDispatch(ctx context.Context, deviceID, alarmID int, channel string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_dispatches (device_id, alarm_id, channel)
		VALUES (@device_id, @alarm_id, @channel)
	`, pgx.NamedArgs{"device_id": deviceID, "alarm_id": alarmID, "channel": channel})

	return err
}
