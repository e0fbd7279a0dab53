package storage

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type ConditionFunc func(*Condition) *Condition

type Condition struct {
	PointID        *int
	DeviceID       *int
	AlarmID        *int
	NotificationID *int64
	Origin         string

	Since time.Time
	Until time.Time

	IncludeReset bool

	sortBy    string
	sortOrder string

	offset *int
	limit  *int
}

func (c Condition) SortBy() string {
	return c.sortBy
}

func (c Condition) SortOrder() string {
	if c.sortOrder == "" {
		return "ASC"
	}
	return c.sortOrder
}

func (c Condition) Offset() int {
	if c.offset == nil {
		return 0
	}
	return *c.offset
}

func (c Condition) Limit() int {
	if c.limit == nil {
		return 0
	}
	return *c.limit
}

func (c Condition) NamedArgs() pgx.NamedArgs {
	args := pgx.NamedArgs{}

	if c.PointID != nil {
		args["point_id"] = *c.PointID
	}
	if c.DeviceID != nil {
		args["device_id"] = *c.DeviceID
	}
	if c.AlarmID != nil {
		args["alarm_id"] = *c.AlarmID
	}
	if c.NotificationID != nil {
		args["id"] = *c.NotificationID
	}
	if c.Origin != "" {
		args["origin"] = c.Origin
	}
	if !c.Since.IsZero() {
		args["since"] = c.Since.UTC()
	}
	if !c.Until.IsZero() {
		args["until"] = c.Until.UTC()
	}

	return args
}

func (c Condition) Where() string {
	where := []string{}

	if c.PointID != nil {
		where = append(where, "point_id = @point_id")
	}
	if c.DeviceID != nil {
		where = append(where, "device_id = @device_id")
	}
	if c.AlarmID != nil {
		where = append(where, "alarm_id = @alarm_id")
	}
	if c.NotificationID != nil {
		where = append(where, "id = @id")
	}
	if c.Origin != "" {
		where = append(where, "origin = @origin")
	}
	if !c.Since.IsZero() {
		where = append(where, "time >= @since")
	}
	if !c.Until.IsZero() {
		where = append(where, "time <= @until")
	}
	if len(where) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(where, " AND ")
}

func WithPointID(pointID int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.PointID = &pointID
		return c
	}
}

func WithDeviceID(deviceID int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = &deviceID
		return c
	}
}

func WithAlarmID(alarmID int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.AlarmID = &alarmID
		return c
	}
}

func WithNotificationID(id int64) ConditionFunc {
	return func(c *Condition) *Condition {
		c.NotificationID = &id
		return c
	}
}

func WithOrigin(origin string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Origin = origin
		return c
	}
}

func WithSince(since time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Since = since
		return c
	}
}

func WithUntil(until time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Until = until
		return c
	}
}

func WithReset() ConditionFunc {
	return func(c *Condition) *Condition {
		c.IncludeReset = true
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.offset = &offset
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.limit = &limit
		return c
	}
}

func WithSortBy(sortBy string) ConditionFunc {
	return func(c *Condition) *Condition {
		switch strings.ToLower(sortBy) {
		case "time":
			c.sortBy = "time"
		case "severity":
			c.sortBy = "severity"
		case "point_id":
			c.sortBy = "point_id"
		case "device_id":
			c.sortBy = "device_id"
		}
		return c
	}
}

func WithSortDesc(desc bool) ConditionFunc {
	return func(c *Condition) *Condition {
		if desc {
			c.sortOrder = "DESC"
		} else {
			c.sortOrder = "ASC"
		}
		return c
	}
}
