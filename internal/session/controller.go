// Package session runs one poll-then-rest loop per configured pill:
// scan a bounded window, decode what was heard, upload the freshest reading,
// rest, repeat. Sessions are fully independent; a fault in one never touches
// another.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/meadtools"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/store"
)

const (
	// Settle period between windows, independent of the poll interval. The
	// pill firmware will not broadcast faster than every 30s anyway.
	defaultRestPeriod = 10 * time.Second

	// Backoff ladder applied after adapter-level scan failures.
	scanBackoffInitial = 5 * time.Second
	scanBackoffMax     = 2 * time.Minute
)

// WindowScanner produces the raw payloads observed from one address within a
// bounded window.
type WindowScanner interface {
	ScanWindow(ctx context.Context, addr string, window time.Duration) ([]ble.Advertisement, error)
}

// Uploader pushes one decoded reading to the brewing-log service.
type Uploader interface {
	Submit(ctx context.Context, r ble.Reading, sensor store.Sensor) error
}

// Controller owns the state loop for a single sensor.
type Controller struct {
	sensor   store.Sensor
	scanner  WindowScanner
	uploader Uploader
	sink     Sink
	logger   *slog.Logger
	rest     time.Duration

	mu    sync.RWMutex
	state State

	// Set once credentials are rejected; readings keep being surfaced
	// locally, but no further upload attempts are made until the operator
	// supplies new credentials and restarts.
	uploadsDegraded bool
}

// Options for constructing a Controller; zero values get defaults.
type Options struct {
	Sink       Sink
	Logger     *slog.Logger
	RestPeriod time.Duration
}

func New(sensor store.Sensor, scanner WindowScanner, uploader Uploader, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(Event) {})
	}
	if opts.RestPeriod <= 0 {
		opts.RestPeriod = defaultRestPeriod
	}
	return &Controller{
		sensor:   sensor,
		scanner:  scanner,
		uploader: uploader,
		sink:     opts.Sink,
		logger:   opts.Logger.With("sensor", sensor.BrewName, "addr", sensor.Address),
		rest:     opts.RestPeriod,
		state:    StateIdle,
	}
}

// State is the read-only observation point for the UI; only the controller
// itself ever writes it.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the session until ctx is canceled. It always returns nil: every
// failure is contained to a single window or reading and reported through
// the sink and logs instead of escaping.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("session starting", "poll_interval", c.sensor.PollInterval(), "upload", c.sensor.Upload)
	defer func() {
		c.transition(StateStopped, nil, "")
		c.logger.Info("session stopped")
	}()

	scanBackoff := scanBackoffInitial
	for ctx.Err() == nil {
		c.transition(StateScanning, nil, "")
		adverts, err := c.scanner.ScanWindow(ctx, c.sensor.Address, c.sensor.PollInterval())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var scanErr *ble.ScanError
			if errors.As(err, &scanErr) {
				c.logger.Warn("scan window failed, backing off", "error", err, "retry_in", scanBackoff)
				c.transition(StateError, nil, err.Error())
				if !c.sleep(ctx, scanBackoff) {
					return nil
				}
				scanBackoff = min(scanBackoff*2, scanBackoffMax)
				continue
			}
			c.logger.Warn("scan window failed", "error", err)
		}
		scanBackoff = scanBackoffInitial

		reading := c.latestReading(adverts)
		if reading != nil {
			// Surface the reading regardless of upload settings.
			c.transition(StateScanning, reading, "")

			if c.sensor.Upload && !c.uploadsDegraded {
				c.transition(StateUploading, reading, "")
				c.upload(ctx, *reading)
			}
		}

		c.transition(StateResting, nil, "")
		if !c.sleep(ctx, c.rest) {
			return nil
		}
	}
	return nil
}

// latestReading decodes every payload heard in the window and keeps the most
// recent good one; earlier readings in the same window are superseded.
// Decode failures are warnings, never fatal to the window.
func (c *Controller) latestReading(adverts []ble.Advertisement) *ble.Reading {
	var latest *ble.Reading
	for _, adv := range adverts {
		r, err := ble.Decode(adv.Data, adv.SeenAt)
		if err != nil {
			c.logger.Warn("undecodable advertisement", "error", err, "len", len(adv.Data))
			continue
		}
		if latest == nil || r.SeenAt.After(latest.SeenAt) {
			latest = r
		}
	}
	return latest
}

// upload is fire-and-continue: the outcome is recorded in status and logs,
// and the cycle proceeds to rest either way.
func (c *Controller) upload(ctx context.Context, r ble.Reading) {
	err := c.uploader.Submit(ctx, r, c.sensor)
	if err == nil {
		c.logger.Info("reading uploaded",
			"gravity", r.Gravity, "temp_c", r.TemperatureC, "battery", r.Battery)
		return
	}
	if ctx.Err() != nil {
		return
	}

	var authErr *meadtools.AuthError
	if errors.As(err, &authErr) {
		// Requires operator action; stop burning attempts on every cycle.
		c.uploadsDegraded = true
		c.logger.Error("uploads disabled: credentials rejected", "error", err)
		c.transition(StateError, nil, "credentials rejected; uploads disabled")
		return
	}
	c.logger.Warn("reading dropped after upload failure", "error", err)
	c.transition(StateUploading, nil, err.Error())
}

func (c *Controller) transition(s State, r *ble.Reading, errText string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.sink.Publish(Event{
		Sensor:  c.sensor.BrewName,
		Address: c.sensor.Address,
		State:   s,
		Reading: r,
		Err:     errText,
		At:      time.Now(),
	})
}

// sleep waits for d or until cancellation; reports false when canceled.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
