package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/devicemanagement"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
)

type Config struct {
	SyncIntervalSeconds  int `yaml:"syncIntervalSeconds"`
	CheckIntervalSeconds int `yaml:"checkIntervalSeconds"`
}

const (
	defaultSyncInterval  = 10 * time.Minute
	defaultCheckInterval = time.Minute
)

// Status is the read-only staleness diagnostic exposed to operators. It
// never gates correctness; a stale deployment still serves live data.
type Status struct {
	Stale      bool      `json:"stale"`
	OldestSync time.Time `json:"oldestSync,omitzero"`
	CheckedAt  time.Time `json:"checkedAt"`
}

type Watchdog interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
	Status(ctx context.Context) (Status, error)
}

type watchdog struct {
	dm            devicemanagement.DeviceManagement
	messenger     messaging.MsgContext
	syncInterval  time.Duration
	checkInterval time.Duration
	done          chan struct{}
}

func New(dm devicemanagement.DeviceManagement, messenger messaging.MsgContext, cfg *Config) Watchdog {
	syncInterval := defaultSyncInterval
	checkInterval := defaultCheckInterval

	if cfg != nil && cfg.SyncIntervalSeconds > 0 {
		syncInterval = time.Duration(cfg.SyncIntervalSeconds) * time.Second
	}
	if cfg != nil && cfg.CheckIntervalSeconds > 0 {
		checkInterval = time.Duration(cfg.CheckIntervalSeconds) * time.Second
	}

	return &watchdog{
		dm:            dm,
		messenger:     messenger,
		syncInterval:  syncInterval,
		checkInterval: checkInterval,
		done:          make(chan struct{}),
	}
}

func (w *watchdog) Start(ctx context.Context) {
	go w.watch(ctx)
}

func (w *watchdog) Stop(ctx context.Context) {
	close(w.done)
}

func (w *watchdog) watch(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			status, err := w.Status(ctx)
			if err != nil {
				log.Warn("staleness check failed", "err", err.Error())
				continue
			}

			if !status.Stale {
				continue
			}

			log.Warn("device sync is stale", "oldest_sync", status.OldestSync.Format(time.RFC3339))

			if w.messenger != nil {
				err = w.messenger.PublishOnTopic(ctx, &SyncStale{
					OldestSync: status.OldestSync,
					Timestamp:  time.Now().UTC(),
				})
				if err != nil {
					log.Warn("could not publish staleness event", "err", err.Error())
				}
			}
		}
	}
}

// Status flags the deployment as stale when the oldest last-synced
// timestamp across all devices exceeds twice the expected sync interval.
func (w *watchdog) Status(ctx context.Context) (Status, error) {
	now := time.Now().UTC()

	oldest, err := w.dm.OldestSync(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return Status{CheckedAt: now}, nil
		}
		return Status{}, err
	}

	return Status{
		Stale:      !checkLastSyncedIsAfter(oldest, now, w.syncInterval),
		OldestSync: oldest,
		CheckedAt:  now,
	}, nil
}

func checkLastSyncedIsAfter(lastSynced, now time.Time, syncInterval time.Duration) bool {
	return lastSynced.After(now.Add(-2 * syncInterval))
}
