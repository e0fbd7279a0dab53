package notifier

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/notifier")

const defaultSendTimeout = 15 * time.Second

type ChannelConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type Config struct {
	Channels       []ChannelConfig `yaml:"channels"`
	TimeoutSeconds int             `yaml:"timeoutSeconds"`
}

// Notifier fans a notification out to every enabled delivery channel. A
// channel failure is counted and logged; it never propagates past the
// dispatcher boundary and never skips the remaining channels.
type Notifier interface {
	Dispatch(ctx context.Context, device types.Device, n types.Notification) []Delivery
	SendTest(ctx context.Context) []Delivery
	Channels() []string
}

// Delivery is the outcome of one send attempt on one channel.
type Delivery struct {
	Channel string
	Err     error
}

type sender interface {
	Send(message string, params *stypes.Params) []error
}

type channel struct {
	name   string
	sender sender
}

type notifier struct {
	channels []channel
	dryRun   bool
}

// New builds one sender per enabled channel. A channel with an invalid URL
// is dropped with a log entry instead of failing the whole dispatcher.
func New(ctx context.Context, cfg Config, dryRun bool) Notifier {
	logger := logging.GetFromContext(ctx)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	channels := make([]channel, 0, len(cfg.Channels))

	for _, cc := range cfg.Channels {
		if !cc.Enabled {
			continue
		}

		s, err := shoutrrr.CreateSender(cc.URL)
		if err != nil {
			logger.Error("invalid notification channel, skipping", "channel", cc.Name, "err", err.Error())
			continue
		}

		s.Timeout = timeout
		s.SetLogger(log.New(io.Discard, "", 0))

		channels = append(channels, channel{name: cc.Name, sender: s})
	}

	return &notifier{
		channels: channels,
		dryRun:   dryRun,
	}
}

func (n *notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, c := range n.channels {
		names = append(names, c.name)
	}
	return names
}

func (n *notifier) Dispatch(ctx context.Context, device types.Device, notification types.Notification) []Delivery {
	ctx, span := tracer.Start(ctx, "dispatch-notification")
	defer span.End()

	title, body := FormatMessage(device, notification)

	return n.send(ctx, title, body)
}

func (n *notifier) SendTest(ctx context.Context) []Delivery {
	return n.send(ctx, "nibe-mgmt test notification", fmt.Sprintf("test notification sent at %s", time.Now().UTC().Format(time.RFC3339)))
}

func (n *notifier) send(ctx context.Context, title, body string) []Delivery {
	logger := logging.GetFromContext(ctx)

	deliveries := make([]Delivery, 0, len(n.channels))

	for _, c := range n.channels {
		if n.dryRun {
			logger.Info("dry run, not sending", "channel", c.name, "title", title)
			deliveries = append(deliveries, Delivery{Channel: c.name})
			continue
		}

		params := stypes.Params{}
		params.SetTitle(title)

		var sendErr error
		for _, err := range c.sender.Send(body, &params) {
			if err != nil {
				sendErr = err
				break
			}
		}

		if sendErr != nil {
			logger.Error("delivery failed", "channel", c.name, "err", sendErr.Error())
		}

		deliveries = append(deliveries, Delivery{Channel: c.name, Err: sendErr})
	}

	return deliveries
}

// SeverityLabel maps the provider's ordinal severity to an operator facing
// label and emoji.
func SeverityLabel(severity int) (string, string) {
	switch severity {
	case types.SeverityInfo:
		return "Info", "ℹ️"
	case types.SeverityWarning:
		return "Warning", "⚠️"
	case types.SeverityAlarm:
		return "Alarm", "🚨"
	case types.SeverityCritical:
		return "Critical", "🔴"
	default:
		return "Unknown", "❓"
	}
}

// FormatMessage renders the per-event message content.
func FormatMessage(device types.Device, n types.Notification) (title, body string) {
	label, emoji := SeverityLabel(n.Severity)

	deviceName := device.Name
	if deviceName == "" {
		deviceName = fmt.Sprintf("device %d", device.DeviceID)
	}

	title = fmt.Sprintf("%s %s %d on %s", emoji, label, n.AlarmID, deviceName)

	lines := []string{
		fmt.Sprintf("Severity: %s", label),
		fmt.Sprintf("Device: %s (id %d)", deviceName, n.DeviceID),
		fmt.Sprintf("Time: %s", n.Time.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("Alarm: %d %s", n.AlarmID, n.Header),
	}
	if n.Description != "" {
		lines = append(lines, n.Description)
	}
	if n.EquipName != "" {
		lines = append(lines, fmt.Sprintf("Equipment: %s", n.EquipName))
	}

	return title, strings.Join(lines, "\n")
}

// Summary tallies per-channel outcomes over a whole batch.
type Summary struct {
	Success map[string]int
	Failure map[string]int
}

func NewSummary() *Summary {
	return &Summary{
		Success: map[string]int{},
		Failure: map[string]int{},
	}
}

func (s *Summary) Record(deliveries []Delivery) {
	for _, d := range deliveries {
		if d.Err != nil {
			s.Failure[d.Channel]++
		} else {
			s.Success[d.Channel]++
		}
	}
}

func (s *Summary) String() string {
	parts := []string{}
	for name, n := range s.Success {
		parts = append(parts, fmt.Sprintf("%s: %d sent", name, n))
	}
	for name, n := range s.Failure {
		parts = append(parts, fmt.Sprintf("%s: %d failed", name, n))
	}
	if len(parts) == 0 {
		return "no deliveries"
	}
	return strings.Join(parts, ", ")
}
