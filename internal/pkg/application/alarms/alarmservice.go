package alarms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/alarm")

var ErrNotificationNotFound = fmt.Errorf("notification not found")

const DefaultCooldown = 5 * time.Minute

type Config struct {
	CooldownSeconds int `yaml:"cooldownSeconds"`
}

// AlarmService stores alarm events exactly once per natural key and gates
// how often the same alarm identity may be re-announced.
type AlarmService interface {
	Ingest(ctx context.Context, deviceID int, events []types.Notification) ([]types.Notification, error)

	AllowDispatch(ctx context.Context, deviceID, alarmID int) bool
	MarkDispatched(ctx context.Context, deviceID, alarmID int, channel string)

	Query(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Notification], error)
	GetByID(ctx context.Context, id int64) (types.Notification, error)
	Reset(ctx context.Context, id int64) error
	ResetAll(ctx context.Context, conditions ...storage.ConditionFunc) (int64, error)
}

type AlarmStorage interface {
	AddNotification(ctx context.Context, n types.Notification) (int64, bool, error)
	GetNotification(ctx context.Context, id int64) (types.Notification, error)
	QueryNotifications(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Notification], error)
	ResetNotification(ctx context.Context, id int64) error
	ResetAllNotifications(ctx context.Context, conditions ...storage.ConditionFunc) (int64, error)
	LatestDispatch(ctx context.Context, deviceID, alarmID int) (time.Time, error)
	AddDispatch(ctx context.Context, deviceID, alarmID int, channel string) error
}

type service struct {
	storage   AlarmStorage
	messenger messaging.MsgContext
	cooldown  time.Duration
}

func New(s AlarmStorage, messenger messaging.MsgContext, cooldown time.Duration) AlarmService {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &service{
		storage:   s,
		messenger: messenger,
		cooldown:  cooldown,
	}
}

// Ingest stores each event under its natural key and returns the ones that
// were not seen before. A duplicate insert is the expected outcome for
// unresolved alarms on every poll and is silently skipped; a concurrent
// insert of the same key by another process counts as already handled.
func (s *service) Ingest(ctx context.Context, deviceID int, events []types.Notification) ([]types.Notification, error) {
	ctx, span := tracer.Start(ctx, "ingest-alarms")
	defer span.End()

	log := logging.GetFromContext(ctx)

	fresh := make([]types.Notification, 0, len(events))

	var errs []error

	for _, e := range events {
		e.DeviceID = deviceID

		id, inserted, err := s.storage.AddNotification(ctx, e)
		if err != nil {
			log.Error("could not store notification", "alarm_id", e.AlarmID, "err", err.Error())
			errs = append(errs, err)
			continue
		}

		if !inserted {
			continue
		}

		e.ID = id
		fresh = append(fresh, e)

		if s.messenger != nil {
			err = s.messenger.PublishOnTopic(ctx, &AlarmCreated{
				Notification: e,
				Timestamp:    time.Now().UTC(),
			})
			if err != nil {
				log.Warn("could not publish alarm created event", "alarm_id", e.AlarmID, "err", err.Error())
			}
		}
	}

	return fresh, errors.Join(errs...)
}

// AllowDispatch reports whether the (device, alarm) identity is outside its
// cooldown window. A failing lookup allows the dispatch; a broken cooldown
// check must not hold back a real alarm.
func (s *service) AllowDispatch(ctx context.Context, deviceID, alarmID int) bool {
	log := logging.GetFromContext(ctx)

	latest, err := s.storage.LatestDispatch(ctx, deviceID, alarmID)
	if err != nil {
		if !errors.Is(err, storage.ErrNoRows) {
			log.Warn("cooldown lookup failed, allowing dispatch", "alarm_id", alarmID, "err", err.Error())
		}
		return true
	}

	return time.Since(latest) >= s.cooldown
}

func (s *service) MarkDispatched(ctx context.Context, deviceID, alarmID int, channel string) {
	err := s.storage.AddDispatch(ctx, deviceID, alarmID, channel)
	if err != nil {
		logging.GetFromContext(ctx).Warn("could not record dispatch", "alarm_id", alarmID, "err", err.Error())
	}
}

func (s *service) Query(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Notification], error) {
	return s.storage.QueryNotifications(ctx, conditions...)
}

func (s *service) GetByID(ctx context.Context, id int64) (types.Notification, error) {
	n, err := s.storage.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Notification{}, ErrNotificationNotFound
		}
		return types.Notification{}, err
	}

	return n, nil
}

func (s *service) Reset(ctx context.Context, id int64) error {
	err := s.storage.ResetNotification(ctx, id)
	if errors.Is(err, storage.ErrNoRows) {
		return ErrNotificationNotFound
	}

	return err
}

func (s *service) ResetAll(ctx context.Context, conditions ...storage.ConditionFunc) (int64, error) {
	return s.storage.ResetAllNotifications(ctx, conditions...)
}
