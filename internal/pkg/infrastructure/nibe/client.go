package nibe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/provider")

const defaultTimeout = 10 * time.Second

type Config struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// Client talks to the heat pump controller's REST API. All calls are
// bounded by the configured timeout; a timeout or non-2xx response is a
// recoverable transport error for the caller to count and skip.
type Client interface {
	GetDevices(ctx context.Context) ([]types.Device, error)
	GetRawPoints(ctx context.Context, deviceID int) ([]byte, error)
	SetPoint(ctx context.Context, deviceID, pointID, value int) error
	GetAlarms(ctx context.Context, deviceID int) ([]types.Notification, error)
	DeleteAlarms(ctx context.Context, deviceID int) error
}

type clientImpl struct {
	url        string
	httpClient http.Client
}

func New(cfg Config) Client {
	return NewClient(cfg.URL, time.Duration(cfg.TimeoutSeconds)*time.Second)
}

func NewClient(url string, timeout time.Duration) Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &clientImpl{
		url: url,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

func (c *clientImpl) GetDevices(ctx context.Context) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := c.get(ctx, "/api/v1/devices")
	if err != nil {
		return nil, err
	}

	raw := []struct {
		DeviceID     int    `json:"deviceId"`
		SerialNumber string `json:"serialNumber"`
		Name         string `json:"name"`
		Manufacturer string `json:"manufacturer"`
		FirmwareID   string `json:"firmwareId"`
	}{}

	err = json.Unmarshal(body, &raw)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal device list: %w", err)
		return nil, err
	}

	devices := make([]types.Device, 0, len(raw))
	for _, d := range raw {
		devices = append(devices, types.Device{
			DeviceID:     d.DeviceID,
			SerialNumber: d.SerialNumber,
			Name:         d.Name,
			Manufacturer: d.Manufacturer,
			FirmwareID:   d.FirmwareID,
		})
	}

	return devices, nil
}

func (c *clientImpl) GetRawPoints(ctx context.Context, deviceID int) ([]byte, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-points")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := c.get(ctx, fmt.Sprintf("/api/v1/devices/%d/points", deviceID))
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *clientImpl) SetPoint(ctx context.Context, deviceID, pointID, value int) error {
	var err error
	ctx, span := tracer.Start(ctx, "set-point")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	payload, _ := json.Marshal(map[string]int{"value": value})

	url := fmt.Sprintf("%s/api/v1/devices/%d/points/%d", c.url, deviceID, pointID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		err = fmt.Errorf("failed to create http request: %w", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to write point %d: %w", pointID, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		err = fmt.Errorf("point write failed with status code %d", resp.StatusCode)
		return err
	}

	return nil
}

func (c *clientImpl) GetAlarms(ctx context.Context, deviceID int) ([]types.Notification, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-alarms")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := c.get(ctx, fmt.Sprintf("/api/v1/devices/%d/notifications", deviceID))
	if err != nil {
		return nil, err
	}

	raw := []struct {
		AlarmID     int       `json:"alarmId"`
		Severity    int       `json:"severity"`
		Header      string    `json:"header"`
		Description string    `json:"description"`
		EquipName   string    `json:"equipName"`
		Time        time.Time `json:"time"`
	}{}

	err = json.Unmarshal(body, &raw)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal alarm list: %w", err)
		return nil, err
	}

	alarms := make([]types.Notification, 0, len(raw))
	for _, a := range raw {
		alarms = append(alarms, types.Notification{
			DeviceID:    deviceID,
			AlarmID:     a.AlarmID,
			Severity:    a.Severity,
			Header:      a.Header,
			Description: a.Description,
			EquipName:   a.EquipName,
			Time:        a.Time,
		})
	}

	return alarms, nil
}

func (c *clientImpl) DeleteAlarms(ctx context.Context, deviceID int) error {
	var err error
	ctx, span := tracer.Start(ctx, "delete-alarms")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	url := fmt.Sprintf("%s/api/v1/devices/%d/notifications", c.url, deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		err = fmt.Errorf("failed to create http request: %w", err)
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to delete alarms: %w", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		err = fmt.Errorf("alarm delete failed with status code %d", resp.StatusCode)
		return err
	}

	return nil
}

func (c *clientImpl) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}
