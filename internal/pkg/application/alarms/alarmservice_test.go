package alarms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

type alarmKey struct {
	deviceID int
	alarmID  int
	time     time.Time
}

type alarmStorageMock struct {
	nextID          int64
	seen            map[alarmKey]int64
	dispatches      map[[2]int]time.Time
	failLatest      bool
	resetConditions *storage.Condition
}

func newAlarmStorageMock() *alarmStorageMock {
	return &alarmStorageMock{
		seen:       map[alarmKey]int64{},
		dispatches: map[[2]int]time.Time{},
	}
}

func (m *alarmStorageMock) AddNotification(_ context.Context, n types.Notification) (int64, bool, error) {
	key := alarmKey{deviceID: n.DeviceID, alarmID: n.AlarmID, time: n.Time}
	if _, ok := m.seen[key]; ok {
		return 0, false, nil
	}
	m.nextID++
	m.seen[key] = m.nextID
	return m.nextID, true, nil
}

func (m *alarmStorageMock) GetNotification(_ context.Context, id int64) (types.Notification, error) {
	for key, storedID := range m.seen {
		if storedID == id {
			return types.Notification{ID: id, DeviceID: key.deviceID, AlarmID: key.alarmID, Time: key.time}, nil
		}
	}
	return types.Notification{}, storage.ErrNoRows
}

func (m *alarmStorageMock) QueryNotifications(_ context.Context, _ ...storage.ConditionFunc) (types.Collection[types.Notification], error) {
	return types.Collection[types.Notification]{}, nil
}

func (m *alarmStorageMock) ResetNotification(_ context.Context, id int64) error {
	if id > m.nextID {
		return storage.ErrNoRows
	}
	return nil
}

func (m *alarmStorageMock) ResetAllNotifications(_ context.Context, conditions ...storage.ConditionFunc) (int64, error) {
	m.resetConditions = &storage.Condition{}
	for _, fn := range conditions {
		fn(m.resetConditions)
	}
	return int64(len(m.seen)), nil
}

func (m *alarmStorageMock) LatestDispatch(_ context.Context, deviceID, alarmID int) (time.Time, error) {
	if m.failLatest {
		return time.Time{}, errors.New("query failed")
	}
	sent, ok := m.dispatches[[2]int{deviceID, alarmID}]
	if !ok {
		return time.Time{}, storage.ErrNoRows
	}
	return sent, nil
}

func (m *alarmStorageMock) AddDispatch(_ context.Context, deviceID, alarmID int, _ string) error {
	m.dispatches[[2]int{deviceID, alarmID}] = time.Now()
	return nil
}

func event(alarmID int, ts time.Time) types.Notification {
	return types.Notification{AlarmID: alarmID, Severity: types.SeverityAlarm, Header: "compressor fault", Time: ts}
}

func TestIngestReturnsOnlyFreshEvents(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := newAlarmStorageMock()
	svc := New(m, nil, 0)

	ts := time.Now().UTC().Truncate(time.Second)

	fresh, err := svc.Ingest(ctx, 1, []types.Notification{event(251, ts)})
	is.NoErr(err)
	is.Equal(len(fresh), 1)
	is.Equal(fresh[0].DeviceID, 1)
	is.True(fresh[0].ID > 0)

	fresh, err = svc.Ingest(ctx, 1, []types.Notification{event(251, ts)})
	is.NoErr(err)
	is.Equal(len(fresh), 0)
}

func TestIngestSameAlarmNewTimestampIsFresh(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := newAlarmStorageMock()
	svc := New(m, nil, 0)

	ts := time.Now().UTC().Truncate(time.Second)

	_, err := svc.Ingest(ctx, 1, []types.Notification{event(251, ts)})
	is.NoErr(err)

	fresh, err := svc.Ingest(ctx, 1, []types.Notification{event(251, ts.Add(time.Hour))})
	is.NoErr(err)
	is.Equal(len(fresh), 1)
}

func TestAllowDispatchFirstTime(t *testing.T) {
	is := is.New(t)

	svc := New(newAlarmStorageMock(), nil, time.Hour)

	is.True(svc.AllowDispatch(context.Background(), 1, 251))
}

func TestAllowDispatchWithinCooldown(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := newAlarmStorageMock()
	svc := New(m, nil, time.Hour)

	svc.MarkDispatched(ctx, 1, 251, "email")

	is.True(!svc.AllowDispatch(ctx, 1, 251))
}

func TestAllowDispatchAfterCooldown(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := newAlarmStorageMock()
	m.dispatches[[2]int{1, 251}] = time.Now().Add(-10 * time.Minute)

	svc := New(m, nil, 5*time.Minute)

	is.True(svc.AllowDispatch(ctx, 1, 251))
}

func TestAllowDispatchFailsOpen(t *testing.T) {
	is := is.New(t)

	m := newAlarmStorageMock()
	m.failLatest = true

	svc := New(m, nil, time.Hour)

	is.True(svc.AllowDispatch(context.Background(), 1, 251))
}

func TestResetAllForwardsDeviceScope(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	m := newAlarmStorageMock()
	svc := New(m, nil, 0)

	_, err := svc.ResetAll(ctx)
	is.NoErr(err)
	is.True(m.resetConditions.DeviceID == nil)

	_, err = svc.ResetAll(ctx, storage.WithDeviceID(2))
	is.NoErr(err)
	is.Equal(*m.resetConditions.DeviceID, 2)
}

func TestResetUnknownNotification(t *testing.T) {
	is := is.New(t)

	svc := New(newAlarmStorageMock(), nil, 0)

	err := svc.Reset(context.Background(), 42)
	is.True(errors.Is(err, ErrNotificationNotFound))
}
