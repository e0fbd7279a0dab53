package alarms

import (
	"encoding/json"
	"time"

	"github.com/openheat/nibe-mgmt/pkg/types"
)

type AlarmCreated struct {
	Notification types.Notification `json:"notification"`
	Timestamp    time.Time          `json:"timestamp"`
}

func (l *AlarmCreated) ContentType() string {
	return "application/json"
}
func (l *AlarmCreated) TopicName() string {
	return "alarms.alarmCreated"
}
func (l *AlarmCreated) Body() []byte {
	b, _ := json.Marshal(l)
	return b
}
