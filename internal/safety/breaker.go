package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed circuitState = "closed"
	circuitOpen   circuitState = "open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"
)

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker counts consecutive order placement and cancellation failures.
// An open circuit stays open for the life of the process.
type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit

	log logrus.FieldLogger
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int, logger logrus.FieldLogger) *Breaker {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Breaker{
		enabled: enabled,
		place:   circuit{maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:  circuit{maxFailures: maxCancelFailures, state: circuitClosed},
		log:     logger,
	}
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPlace, &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionCancel, &b.cancel, err)
}

// AllowPlace returns the open-circuit error once placements have tripped.
func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

// Open reports whether either circuit has tripped.
func (b *Breaker) Open() bool {
	if b == nil || !b.enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.place.state == circuitOpen || b.cancel.state == circuitOpen
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state == circuitOpen {
		return c.openErr
	}
	return nil
}

// countsAsFailure keeps venue answers that say nothing about venue health
// out of the failure count.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrBelowMinQty),
		errors.Is(err, core.ErrBelowMinNotional),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if !b.enabled || c.maxFailures < 1 {
		return nil
	}

	b.mu.Lock()
	if c.state == circuitOpen {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}
	if !countsAsFailure(err) {
		prevFailures := c.failures
		c.failures = 0
		b.mu.Unlock()
		if prevFailures > 0 && err == nil {
			b.log.WithFields(logrus.Fields{
				"event":                         "circuit_breaker_recovered",
				"action":                        name,
				"previous_consecutive_failures": prevFailures,
			}).Info("order path recovered")
		}
		return nil
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if failures == limit-1 {
			b.log.WithFields(logrus.Fields{
				"event":                "circuit_breaker_near_trip",
				"action":               name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("one more failure opens the circuit")
		}
		return nil
	}

	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v", ErrCircuitOpen, name, failures, err)
	openErr := c.openErr
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{
		"event":                "circuit_breaker_trip",
		"action":               name,
		"consecutive_failures": failures,
		"threshold":            limit,
	}).WithError(err).Error("circuit opened; order path disabled until restart")
	return openErr
}

// GuardedGateway routes order placement and cancellation through a Breaker.
// Read-only calls pass straight through.
type GuardedGateway struct {
	exchange.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner exchange.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{Gateway: inner, breaker: breaker}
}

func (g *GuardedGateway) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Order{}, err
	}
	placed, err := g.Gateway.PlaceOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return placed, errors.Join(trip, err)
	}
	return placed, err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.Gateway.CancelOrder(ctx, symbol, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return errors.Join(trip, err)
	}
	return err
}
