package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultTripFailures = 3
	defaultOpenTimeout  = time.Minute
)

// Options tunes a Dispatcher.
type Options struct {
	Timeout time.Duration
	// TripAfter consecutive failures opens the breaker of a target.
	TripAfter uint32
	// OpenFor is how long an open breaker rejects sends before probing.
	OpenFor time.Duration
	Logger  *slog.Logger
}

// Dispatcher fans a message out to targets. Each target URL has its own
// circuit breaker so a failing integration stops being called for a while
// without affecting the others.
type Dispatcher struct {
	client *resty.Client
	opts   Options

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Receipt]
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = defaultTripFailures
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = defaultOpenTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		client:   resty.New().SetTimeout(opts.Timeout),
		opts:     opts,
		breakers: map[string]*gobreaker.CircuitBreaker[Receipt]{},
	}
}

func (d *Dispatcher) breaker(target Target) *gobreaker.CircuitBreaker[Receipt] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[target.URL]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[Receipt](gobreaker.Settings{
		Name:        target.label(),
		MaxRequests: 1,
		Timeout:     d.opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.opts.TripAfter
		},
		IsSuccessful: func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return !status.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.opts.Logger.Warn("notify breaker state", slog.String("target", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	d.breakers[target.URL] = cb
	return cb
}

// Send delivers msg to one target through its breaker.
func (d *Dispatcher) Send(ctx context.Context, target Target, msg Message) (Receipt, error) {
	ch, err := NewChannel(d.client, target)
	if err != nil {
		return Receipt{}, err
	}
	return d.breaker(target).Execute(func() (Receipt, error) {
		return ch.Send(ctx, msg)
	})
}

// Dispatch sends msg to every target concurrently. Receipts are returned
// for the deliveries that succeeded; failures are joined into the error.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, msg Message) ([]Receipt, error) {
	type outcome struct {
		receipt Receipt
		err     error
	}
	results := make([]outcome, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			rcpt, err := d.Send(ctx, target, msg)
			if err != nil {
				err = fmt.Errorf("%s: %w", target.label(), err)
			}
			results[i] = outcome{receipt: rcpt, err: err}
			return nil
		})
	}
	_ = g.Wait()

	receipts := make([]Receipt, 0, len(targets))
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		receipts = append(receipts, r.receipt)
	}
	return receipts, errors.Join(errs...)
}
