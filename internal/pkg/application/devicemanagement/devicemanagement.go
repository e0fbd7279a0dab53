package devicemanagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/nibe"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/device")

var ErrDeviceNotFound = fmt.Errorf("device not found")

// DeviceManagement is the directory of known heat pump units. Devices are
// created on discovery and updated on every rescan; value history is never
// touched from here.
type DeviceManagement interface {
	GetDevice(ctx context.Context, deviceID int) (types.Device, error)
	Query(ctx context.Context) (types.Collection[types.Device], error)

	UpsertDevice(ctx context.Context, device types.Device) error
	SyncDevices(ctx context.Context) (int, error)

	TouchSynced(ctx context.Context, deviceID int) error
	OldestSync(ctx context.Context) (time.Time, error)
}

type DeviceStorage interface {
	UpsertDevice(ctx context.Context, device types.Device) error
	GetDevice(ctx context.Context, deviceID int) (types.Device, error)
	QueryDevices(ctx context.Context) (types.Collection[types.Device], error)
	TouchSynced(ctx context.Context, deviceID int) error
	OldestSync(ctx context.Context) (time.Time, error)
}

type service struct {
	storage DeviceStorage
	client  nibe.Client
}

func New(s DeviceStorage, client nibe.Client) DeviceManagement {
	return &service{
		storage: s,
		client:  client,
	}
}

func (s *service) GetDevice(ctx context.Context, deviceID int) (types.Device, error) {
	device, err := s.storage.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	return device, nil
}

func (s *service) Query(ctx context.Context) (types.Collection[types.Device], error) {
	return s.storage.QueryDevices(ctx)
}

func (s *service) UpsertDevice(ctx context.Context, device types.Device) error {
	return s.storage.UpsertDevice(ctx, device)
}

// SyncDevices pulls the provider's device list and upserts every unit.
// Returns the number of devices seen.
func (s *service) SyncDevices(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "sync-devices")
	defer span.End()

	log := logging.GetFromContext(ctx)

	devices, err := s.client.GetDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not fetch device list: %w", err)
	}

	count := 0

	for _, d := range devices {
		err := s.storage.UpsertDevice(ctx, d)
		if err != nil {
			log.Error("could not upsert device", "device_id", d.DeviceID, "err", err.Error())
			continue
		}
		count++
	}

	return count, nil
}

func (s *service) TouchSynced(ctx context.Context, deviceID int) error {
	return s.storage.TouchSynced(ctx, deviceID)
}

func (s *service) OldestSync(ctx context.Context) (time.Time, error) {
	return s.storage.OldestSync(ctx)
}
