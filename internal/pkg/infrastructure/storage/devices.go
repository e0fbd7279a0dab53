package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

func (s *Storage) UpsertDevice(ctx context.Context, device types.Device) error {
	args := pgx.NamedArgs{
		"device_id":     device.DeviceID,
		"serial_number": device.SerialNumber,
		"name":          device.Name,
		"manufacturer":  device.Manufacturer,
		"firmware_id":   device.FirmwareID,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, serial_number, name, manufacturer, firmware_id)
		VALUES (@device_id, @serial_number, @name, @manufacturer, @firmware_id)
		ON CONFLICT (device_id) DO UPDATE SET
			serial_number = EXCLUDED.serial_number, name = EXCLUDED.name,
			manufacturer = EXCLUDED.manufacturer, firmware_id = EXCLUDED.firmware_id,
			modified_on = CURRENT_TIMESTAMP
	`, args)

	return err
}

func (s *Storage) GetDevice(ctx context.Context, deviceID int) (types.Device, error) {
	var device types.Device
	var lastSynced *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT device_id, serial_number, name, manufacturer, firmware_id, last_synced
		FROM devices
		WHERE device_id = @device_id
	`, pgx.NamedArgs{"device_id": deviceID}).
		Scan(&device.DeviceID, &device.SerialNumber, &device.Name, &device.Manufacturer, &device.FirmwareID, &lastSynced)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.Device{}, ErrNoRows
		}
		return types.Device{}, err
	}

	if lastSynced != nil {
		device.LastSynced = *lastSynced
	}

	return device, nil
}

func (s *Storage) QueryDevices(ctx context.Context) (types.Collection[types.Device], error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, serial_number, name, manufacturer, firmware_id, last_synced
		FROM devices
		ORDER BY device_id ASC
	`)
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	var device types.Device
	var lastSynced *time.Time

	devices := make([]types.Device, 0)

	_, err = pgx.ForEachRow(rows, []any{&device.DeviceID, &device.SerialNumber, &device.Name, &device.Manufacturer, &device.FirmwareID, &lastSynced}, func() error {
		d := device
		if lastSynced != nil {
			d.LastSynced = *lastSynced
		}
		devices = append(devices, d)
		return nil
	})
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	return types.Collection[types.Device]{
		Data:       devices,
		Count:      uint64(len(devices)),
		TotalCount: uint64(len(devices)),
	}, nil
}

func (s *Storage) TouchSynced(ctx context.Context, deviceID int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET last_synced = CURRENT_TIMESTAMP WHERE device_id = @device_id
	`, pgx.NamedArgs{"device_id": deviceID})

	return err
}

// OldestSync returns the oldest last-synced timestamp across all devices.
// Devices that have never synced count as oldest of all.
func (s *Storage) OldestSync(ctx context.Context) (time.Time, error) {
	var neverSynced bool

	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM devices WHERE last_synced IS NULL)
	`).Scan(&neverSynced)
	if err != nil {
		return time.Time{}, err
	}

	if neverSynced {
		return time.Time{}, nil
	}

	var oldest *time.Time

	err = s.pool.QueryRow(ctx, `
		SELECT min(last_synced) FROM devices
	`).Scan(&oldest)
	if err != nil {
		return time.Time{}, err
	}

	if oldest == nil {
		return time.Time{}, ErrNoRows
	}

	return *oldest, nil
}
