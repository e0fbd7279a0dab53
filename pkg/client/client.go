package client

import (
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

var tracer = otel.Tracer("nibe-mgmt-client")

// Client is a thin consumer of the management API, meant for sibling
// services that need the device directory or point history but must not
// touch the database directly.
type Client interface {
	Devices(ctx context.Context) ([]types.Device, error)
	History(ctx context.Context, pointID int) (HistoryResult, error)
	Notifications(ctx context.Context) (NotificationResult, error)
}

type HistoryResult struct {
	Entries    []types.LogEntry `json:"entries"`
	TotalCount uint64           `json:"totalCount"`
}

type NotificationResult struct {
	Notifications []types.Notification `json:"notifications"`
	TotalCount    uint64               `json:"totalCount"`
}

type mgmtClient struct {
	url        string
	token      string
	httpClient http.Client
}

func New(url, token string) Client {
	return &mgmtClient{
		url:   url,
		token: token,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

func (c *mgmtClient) Devices(ctx context.Context) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	devices := []types.Device{}
	err = c.get(ctx, "/api/v0/devices", &devices)

	return devices, err
}

func (c *mgmtClient) History(ctx context.Context, pointID int) (HistoryResult, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-history")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := HistoryResult{}
	err = c.get(ctx, fmt.Sprintf("/api/v0/points/%d/history", pointID), &result)

	return result, err
}

func (c *mgmtClient) Notifications(ctx context.Context) (NotificationResult, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-notifications")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := NotificationResult{}
	err = c.get(ctx, "/api/v0/notifications", &result)

	return result, err
}

func (c *mgmtClient) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	err = json.Unmarshal(body, into)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
