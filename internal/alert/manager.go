package alert

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives band engine events worth a human's attention.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	queueSize     = 128
	notifyTimeout = 20 * time.Second
)

// Manager delivers alerts from a bounded queue on its own goroutine. A full
// queue drops the alert; the first drop is logged at once and the total is
// logged again on Close.
type Manager struct {
	header   string
	notifier Notifier
	log      logrus.FieldLogger
	queue    chan alertEvent
	stop     chan struct{}
	done     chan struct{}
	dropped  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil Manager ignores every
// call.
func NewManager(mode, instanceID string, notifier Notifier, logger logrus.FieldLogger) *Manager {
	return newManager(mode, instanceID, notifier, logger, queueSize)
}

func newManager(mode, instanceID string, notifier Notifier, logger logrus.FieldLogger, size int) *Manager {
	if notifier == nil {
		return nil
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	m := &Manager{
		header:   "[bandgrid] " + mode + "/" + instanceID,
		notifier: notifier,
		log:      logger,
		queue:    make(chan alertEvent, size),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields), at: time.Now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		if m.dropped.Add(1) == 1 {
			m.log.WithFields(logrus.Fields{
				"event":        "alert_queue_dropped",
				"target_event": event,
				"queue_cap":    cap(m.queue),
			}).Warn("alert queue full, dropping alerts")
		}
	}
}

// Close stops accepting alerts and waits until the queued ones are sent or
// ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					if n := m.dropped.Load(); n > 0 {
						m.log.WithFields(logrus.Fields{"event": "alert_queue_dropped_report", "dropped_total": n}).Warn("alerts dropped while running")
					}
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.message(ev)); err != nil {
		m.log.WithFields(logrus.Fields{"event": "alert_notify_failed", "target_event": ev.event}).WithError(err).Warn("alert delivery failed")
	}
}

// message renders the alert as the header, the event line and the sorted
// fields, one per line. Band identity fields come first.
func (m *Manager) message(ev alertEvent) string {
	var b strings.Builder
	b.WriteString(m.header)
	b.WriteString("\n" + ev.at.Format(time.RFC3339))
	b.WriteString("\nevent: " + ev.event)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := fieldRank(keys[i]), fieldRank(keys[j])
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + ev.fields[k])
	}
	return b.String()
}

var leadingFields = []string{"symbol", "band_id", "order_id", "message", "error"}

func fieldRank(key string) int {
	for i, k := range leadingFields {
		if k == key {
			return i
		}
	}
	return len(leadingFields)
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
