package nibe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestGetDevices(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/v1/devices")
		w.Write([]byte(`[{"deviceId": 1, "serialNumber": "06513312345678", "name": "cellar"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	devices, err := c.GetDevices(context.Background())
	is.NoErr(err)
	is.Equal(len(devices), 1)
	is.Equal(devices[0].DeviceID, 1)
	is.Equal(devices[0].Name, "cellar")
}

func TestGetRawPointsReturnsBodyVerbatim(t *testing.T) {
	is := is.New(t)

	payload := `{"40004": {"value": {"value": 215}}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/v1/devices/1/points")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	raw, err := c.GetRawPoints(context.Background(), 1)
	is.NoErr(err)
	is.Equal(string(raw), payload)
}

func TestSetPoint(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodPatch)
		is.Equal(r.URL.Path, "/api/v1/devices/1/points/47041")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	err := c.SetPoint(context.Background(), 1, 47041, 1)
	is.NoErr(err)
}

func TestGetAlarmsAssignsDeviceID(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"alarmId": 251, "severity": 2, "header": "compressor fault"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	alarms, err := c.GetAlarms(context.Background(), 3)
	is.NoErr(err)
	is.Equal(len(alarms), 1)
	is.Equal(alarms[0].DeviceID, 3)
	is.Equal(alarms[0].AlarmID, 251)
}

func TestNon2xxIsAnError(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	_, err := c.GetRawPoints(context.Background(), 1)
	is.True(err != nil)

	err = c.DeleteAlarms(context.Background(), 1)
	is.True(err != nil)
}
