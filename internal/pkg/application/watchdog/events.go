package watchdog

import (
	"encoding/json"
	"time"
)

type SyncStale struct {
	OldestSync time.Time `json:"oldestSync"`
	Timestamp  time.Time `json:"timestamp"`
}

func (l *SyncStale) ContentType() string {
	return "application/json"
}
func (l *SyncStale) TopicName() string {
	return "watchdog.syncStale"
}
func (l *SyncStale) Body() []byte {
	b, _ := json.Marshal(l)
	return b
}
