package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/alarms"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/pointlog"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

type alarmServiceMock struct {
	notifications   map[int64]types.Notification
	resetConditions *storage.Condition
}

func (m *alarmServiceMock) Ingest(_ context.Context, _ int, events []types.Notification) ([]types.Notification, error) {
	return events, nil
}
func (m *alarmServiceMock) AllowDispatch(_ context.Context, _, _ int) bool      { return true }
func (m *alarmServiceMock) MarkDispatched(_ context.Context, _, _ int, _ string) {}
func (m *alarmServiceMock) Query(_ context.Context, _ ...storage.ConditionFunc) (types.Collection[types.Notification], error) {
	return types.Collection[types.Notification]{}, nil
}
func (m *alarmServiceMock) GetByID(_ context.Context, id int64) (types.Notification, error) {
	n, ok := m.notifications[id]
	if !ok {
		return types.Notification{}, alarms.ErrNotificationNotFound
	}
	return n, nil
}
func (m *alarmServiceMock) Reset(_ context.Context, _ int64) error { return nil }
func (m *alarmServiceMock) ResetAll(_ context.Context, conditions ...storage.ConditionFunc) (int64, error) {
	m.resetConditions = &storage.Condition{}
	for _, fn := range conditions {
		fn(m.resetConditions)
	}
	return 1, nil
}

type pointLogMock struct {
	snapshotResult types.BatchResult
	manualErr      error
	manualCalls    int
	historyErr     error
}

func (m *pointLogMock) LogSnapshot(_ context.Context, _ int, _ []types.PointSnapshot) types.BatchResult {
	return m.snapshotResult
}

func (m *pointLogMock) LogManual(_ context.Context, _, _, _ int) error {
	m.manualCalls++
	return m.manualErr
}

func (m *pointLogMock) Import(_ context.Context, entries []types.LogEntry) types.BatchResult {
	return types.BatchResult{Logged: len(entries)}
}

func (m *pointLogMock) History(_ context.Context, _ int, _ ...storage.ConditionFunc) (types.Collection[types.LogEntry], error) {
	if m.historyErr != nil {
		return types.Collection[types.LogEntry]{}, m.historyErr
	}
	return types.Collection[types.LogEntry]{}, nil
}

func (m *pointLogMock) SetAnnotation(_ context.Context, _ types.Annotation) error { return nil }
func (m *pointLogMock) DeleteAnnotation(_ context.Context, _ int) error           { return nil }
func (m *pointLogMock) Annotations(_ context.Context) ([]types.Annotation, error) {
	return nil, nil
}

type providerMock struct {
	rawPoints []byte
	fetchErr  error
	setErr    error
}

func (m *providerMock) GetDevices(_ context.Context) ([]types.Device, error) { return nil, nil }
func (m *providerMock) GetRawPoints(_ context.Context, _ int) ([]byte, error) {
	return m.rawPoints, m.fetchErr
}
func (m *providerMock) SetPoint(_ context.Context, _, _, _ int) error { return m.setErr }
func (m *providerMock) GetAlarms(_ context.Context, _ int) ([]types.Notification, error) {
	return nil, nil
}
func (m *providerMock) DeleteAlarms(_ context.Context, _ int) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollPointsHandler(t *testing.T) {
	is := is.New(t)

	pl := &pointLogMock{snapshotResult: types.BatchResult{Logged: 1}}
	client := &providerMock{rawPoints: []byte(`{"40004": {"value": {"value": 215}}}`)}

	r := chi.NewRouter()
	r.Get("/devices/{deviceID}/points", pollPointsHandler(testLogger(), pl, client))

	req := httptest.NewRequest(http.MethodGet, "/devices/1/points", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)

	response := struct {
		Points []types.PointSnapshot `json:"points"`
		Log    types.BatchResult     `json:"log"`
	}{}
	is.NoErr(json.Unmarshal(res.Body.Bytes(), &response))
	is.Equal(len(response.Points), 1)
	is.Equal(response.Log.Logged, 1)
}

func TestPollPointsHandlerProviderFailure(t *testing.T) {
	is := is.New(t)

	client := &providerMock{fetchErr: errors.New("connection refused")}

	r := chi.NewRouter()
	r.Get("/devices/{deviceID}/points", pollPointsHandler(testLogger(), &pointLogMock{}, client))

	req := httptest.NewRequest(http.MethodGet, "/devices/1/points", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusBadGateway)
}

func TestWritePointHandlerLogsManualEntry(t *testing.T) {
	is := is.New(t)

	pl := &pointLogMock{}

	r := chi.NewRouter()
	r.Patch("/devices/{deviceID}/points/{pointID}", writePointHandler(testLogger(), pl, &providerMock{}))

	req := httptest.NewRequest(http.MethodPatch, "/devices/1/points/47041", strings.NewReader(`{"value": 1}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)
	is.Equal(pl.manualCalls, 1)
}

func TestWritePointHandlerLogFailureDegrades(t *testing.T) {
	is := is.New(t)

	pl := &pointLogMock{manualErr: errors.New("insert failed")}

	r := chi.NewRouter()
	r.Patch("/devices/{deviceID}/points/{pointID}", writePointHandler(testLogger(), pl, &providerMock{}))

	req := httptest.NewRequest(http.MethodPatch, "/devices/1/points/47041", strings.NewReader(`{"value": 1}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)

	response := struct {
		Logged bool `json:"logged"`
	}{Logged: true}
	is.NoErr(json.Unmarshal(res.Body.Bytes(), &response))
	is.True(!response.Logged)
}

func TestWritePointHandlerProviderFailure(t *testing.T) {
	is := is.New(t)

	pl := &pointLogMock{}
	client := &providerMock{setErr: errors.New("write rejected")}

	r := chi.NewRouter()
	r.Patch("/devices/{deviceID}/points/{pointID}", writePointHandler(testLogger(), pl, client))

	req := httptest.NewRequest(http.MethodPatch, "/devices/1/points/47041", strings.NewReader(`{"value": 1}`))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusBadGateway)
	is.Equal(pl.manualCalls, 0)
}

func TestHistoryHandlerUnknownPoint(t *testing.T) {
	is := is.New(t)

	pl := &pointLogMock{historyErr: pointlog.ErrPointNotFound}

	r := chi.NewRouter()
	r.Get("/points/{pointID}/history", historyHandler(testLogger(), pl))

	req := httptest.NewRequest(http.MethodGet, "/points/12345/history", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusNotFound)
}

func TestGetNotificationHandler(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{notifications: map[int64]types.Notification{
		7: {ID: 7, DeviceID: 1, AlarmID: 251, Header: "compressor fault"},
	}}

	r := chi.NewRouter()
	r.Get("/notifications/{id}", getNotificationHandler(testLogger(), as))

	req := httptest.NewRequest(http.MethodGet, "/notifications/7", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)

	n := types.Notification{}
	is.NoErr(json.Unmarshal(res.Body.Bytes(), &n))
	is.Equal(n.AlarmID, 251)
}

func TestGetNotificationHandlerUnknownID(t *testing.T) {
	is := is.New(t)

	r := chi.NewRouter()
	r.Get("/notifications/{id}", getNotificationHandler(testLogger(), &alarmServiceMock{}))

	req := httptest.NewRequest(http.MethodGet, "/notifications/42", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusNotFound)
}

func TestResetAllNotificationsHandlerCoversAllDevices(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{}

	r := chi.NewRouter()
	r.Post("/notifications/reset", resetAllNotificationsHandler(testLogger(), as))

	req := httptest.NewRequest(http.MethodPost, "/notifications/reset", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)
	is.True(as.resetConditions.DeviceID == nil)
}

func TestResetAllNotificationsHandlerDeviceScoped(t *testing.T) {
	is := is.New(t)

	as := &alarmServiceMock{}

	r := chi.NewRouter()
	r.Post("/notifications/reset", resetAllNotificationsHandler(testLogger(), as))

	req := httptest.NewRequest(http.MethodPost, "/notifications/reset?deviceID=2", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)
	is.Equal(*as.resetConditions.DeviceID, 2)
}

func TestImportHandler(t *testing.T) {
	is := is.New(t)

	r := chi.NewRouter()
	r.Post("/points/import", importHandler(testLogger(), &pointLogMock{}))

	body := `[{"pointID": 40004, "rawValue": 215}, {"pointID": 40005, "rawValue": 30}]`
	req := httptest.NewRequest(http.MethodPost, "/points/import", strings.NewReader(body))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	is.Equal(res.Code, http.StatusOK)

	result := types.BatchResult{}
	is.NoErr(json.Unmarshal(res.Body.Bytes(), &result))
	is.Equal(result.Logged, 2)
}
