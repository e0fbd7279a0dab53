package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/matryer/is"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/notifier"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

type clientMock struct {
	alarms []types.Notification
}

func (m *clientMock) GetDevices(_ context.Context) ([]types.Device, error) { return nil, nil }
func (m *clientMock) GetRawPoints(_ context.Context, _ int) ([]byte, error) {
	return []byte(`{"40004": {"value": {"value": 215}}}`), nil
}
func (m *clientMock) SetPoint(_ context.Context, _, _, _ int) error { return nil }
func (m *clientMock) GetAlarms(_ context.Context, _ int) ([]types.Notification, error) {
	return m.alarms, nil
}
func (m *clientMock) DeleteAlarms(_ context.Context, _ int) error { return nil }

type pointLogMock struct{}

func (m *pointLogMock) LogSnapshot(_ context.Context, _ int, _ []types.PointSnapshot) types.BatchResult {
	return types.BatchResult{}
}
func (m *pointLogMock) LogManual(_ context.Context, _, _, _ int) error { return nil }
func (m *pointLogMock) Import(_ context.Context, _ []types.LogEntry) types.BatchResult {
	return types.BatchResult{}
}
func (m *pointLogMock) History(_ context.Context, _ int, _ ...storage.ConditionFunc) (types.Collection[types.LogEntry], error) {
	return types.Collection[types.LogEntry]{}, nil
}
func (m *pointLogMock) SetAnnotation(_ context.Context, _ types.Annotation) error { return nil }
func (m *pointLogMock) DeleteAnnotation(_ context.Context, _ int) error           { return nil }
func (m *pointLogMock) Annotations(_ context.Context) ([]types.Annotation, error) {
	return nil, nil
}

type alarmServiceMock struct {
	dispatchCalls int
}

func (m *alarmServiceMock) Ingest(_ context.Context, deviceID int, events []types.Notification) ([]types.Notification, error) {
	for i := range events {
		events[i].DeviceID = deviceID
	}
	return events, nil
}
func (m *alarmServiceMock) AllowDispatch(_ context.Context, _, _ int) bool { return true }
func (m *alarmServiceMock) MarkDispatched(_ context.Context, _, _ int, _ string) {
	m.dispatchCalls++
}
func (m *alarmServiceMock) Query(_ context.Context, _ ...storage.ConditionFunc) (types.Collection[types.Notification], error) {
	return types.Collection[types.Notification]{}, nil
}
func (m *alarmServiceMock) GetByID(_ context.Context, _ int64) (types.Notification, error) {
	return types.Notification{}, nil
}
func (m *alarmServiceMock) Reset(_ context.Context, _ int64) error { return nil }
func (m *alarmServiceMock) ResetAll(_ context.Context, _ ...storage.ConditionFunc) (int64, error) {
	return 0, nil
}

type notifierMock struct {
	dispatched int
}

func (m *notifierMock) Dispatch(_ context.Context, _ types.Device, _ types.Notification) []notifier.Delivery {
	m.dispatched++
	return []notifier.Delivery{{Channel: "email"}}
}
func (m *notifierMock) SendTest(_ context.Context) []notifier.Delivery { return nil }
func (m *notifierMock) Channels() []string                            { return []string{"email"} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freshAlarm() types.Notification {
	return types.Notification{AlarmID: 251, Severity: types.SeverityAlarm, Header: "compressor fault"}
}

func TestMonitorDeviceRecordsDispatches(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{}
	n := &notifierMock{}

	ok := monitorDevice(context.Background(), testLogger(), types.Device{DeviceID: 1},
		&clientMock{alarms: []types.Notification{freshAlarm()}},
		&pointLogMock{}, as, n, nil, notifier.NewSummary(), runFlags{})

	is.True(ok)
	is.Equal(n.dispatched, 1)
	is.Equal(as.dispatchCalls, 1)
}

func TestMonitorDeviceDryRunLeavesDispatchStateUntouched(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{}
	n := &notifierMock{}

	ok := monitorDevice(context.Background(), testLogger(), types.Device{DeviceID: 1},
		&clientMock{alarms: []types.Notification{freshAlarm()}},
		&pointLogMock{}, as, n, nil, notifier.NewSummary(), runFlags{dryRun: true})

	is.True(ok)
	is.Equal(n.dispatched, 1)
	is.Equal(as.dispatchCalls, 0)
}

func TestMonitorDeviceNoNotifySkipsDispatch(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{}
	n := &notifierMock{}

	ok := monitorDevice(context.Background(), testLogger(), types.Device{DeviceID: 1},
		&clientMock{alarms: []types.Notification{freshAlarm()}},
		&pointLogMock{}, as, n, nil, notifier.NewSummary(), runFlags{noNotify: true})

	is.True(ok)
	is.Equal(n.dispatched, 0)
	is.Equal(as.dispatchCalls, 0)
}
