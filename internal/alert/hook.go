package alert

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Hook forwards log entries at or above a level to an Alerter. The entry's
// "event" field names the alert and the remaining fields become its body.
type Hook struct {
	alerter Alerter
	levels  []logrus.Level
}

func NewHook(alerter Alerter, minLevel logrus.Level) *Hook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, lvl := range logrus.AllLevels {
		if lvl <= minLevel {
			levels = append(levels, lvl)
		}
	}
	return &Hook{alerter: alerter, levels: levels}
}

func (h *Hook) Levels() []logrus.Level { return h.levels }

func (h *Hook) Fire(entry *logrus.Entry) error {
	if h == nil || h.alerter == nil {
		return nil
	}
	event, _ := entry.Data["event"].(string)
	if event == "" {
		event = "log_" + entry.Level.String()
	}
	// The manager's own delivery problems would feed back into the queue.
	if strings.HasPrefix(event, "alert_") {
		return nil
	}
	fields := make(map[string]string, len(entry.Data)+2)
	for k, v := range entry.Data {
		if k == "event" {
			continue
		}
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
			continue
		}
		fields[k] = fmt.Sprint(v)
	}
	fields["level"] = entry.Level.String()
	if entry.Message != "" {
		fields["message"] = entry.Message
	}
	h.alerter.Important(event, fields)
	return nil
}
