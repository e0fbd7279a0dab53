package types

import (
	"time"
)

const (
	RegisterTypeHolding = "HOLDING"
	RegisterTypeInput   = "INPUT"
	RegisterTypeUnknown = "-"
)

// Point is the master record for a single addressable register exposed by
// the provider. Created on first observation, updated in place, never
// deleted by normal operation.
type Point struct {
	PointID       int    `json:"pointID"`
	RegisterID    string `json:"registerID"`
	Title         string `json:"title"`
	RegisterType  string `json:"registerType"`
	Scale         int    `json:"scale,omitempty"`
	DecimalPlaces int    `json:"decimalPlaces,omitempty"`
	Unit          string `json:"unit,omitempty"`
	VariableType  string `json:"variableType,omitempty"`
	VariableSize  string `json:"variableSize,omitempty"`
	Min           int    `json:"min,omitempty"`
	Max           int    `json:"max,omitempty"`
	Writable      bool   `json:"writable"`
}

// PointSnapshot is a fully populated reading produced by the normalizer.
type PointSnapshot struct {
	Point
	RawValue     int    `json:"rawValue"`
	DisplayValue string `json:"displayValue"`
}

const (
	OriginAuto     = "auto"
	OriginManual   = "manual"
	OriginImported = "import"
)

// LogEntry is one row of the append-only value history for a
// (point, device) pair.
type LogEntry struct {
	PointID  int       `json:"pointID"`
	DeviceID int       `json:"deviceID"`
	RawValue int       `json:"rawValue"`
	Origin   string    `json:"origin"`
	Time     time.Time `json:"time"`
}

// Device identifies a heat pump unit. DeviceID 0 is the sentinel for
// single-device deployments without a device concept.
type Device struct {
	DeviceID     int       `json:"deviceID"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	FirmwareID   string    `json:"firmwareID,omitempty"`
	LastSynced   time.Time `json:"lastSynced"`
}

const (
	SeverityInfo     = 0
	SeverityWarning  = 1
	SeverityAlarm    = 2
	SeverityCritical = 3
)

// Notification is an alarm event fetched from the provider. Its identity is
// the natural key (DeviceID, AlarmID, Time); ID is assigned by the store
// after insert and only used for UI actions.
type Notification struct {
	ID          int64      `json:"id,omitempty"`
	DeviceID    int        `json:"deviceID"`
	AlarmID     int        `json:"alarmID"`
	Severity    int        `json:"severity"`
	Header      string     `json:"header"`
	Description string     `json:"description,omitempty"`
	EquipName   string     `json:"equipName,omitempty"`
	Time        time.Time  `json:"time"`
	ResetAt     *time.Time `json:"resetAt,omitempty"`
}

// Annotation is a user-editable menu-path label attached to a point.
type Annotation struct {
	PointID  int    `json:"pointID"`
	MenuPath string `json:"menuPath"`
}

// BatchResult summarizes one change-log pass over a snapshot batch.
type BatchResult struct {
	Logged     int `json:"logged"`
	Unchanged  int `json:"unchanged"`
	Suppressed int `json:"suppressed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (r *BatchResult) Add(other BatchResult) {
	r.Logged += other.Logged
	r.Unchanged += other.Unchanged
	r.Suppressed += other.Suppressed
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

type Collection[T any] struct {
	Data       []T
	Count      uint64
	Offset     uint64
	Limit      uint64
	TotalCount uint64
}
