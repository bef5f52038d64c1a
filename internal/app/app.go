package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/config"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/meadtools"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/mqtt"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/session"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/store"
)

// Run wires the pipeline and blocks until ctx is canceled: configuration
// snapshot → one session controller per pill → shared scanner and MeadTools
// client, with status fanned out to the logs and (optionally) MQTT.
func Run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(cfg.ConfigPath)
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	if len(snap.Sensors) == 0 {
		return fmt.Errorf("no sensors configured in %s", cfg.ConfigPath)
	}
	slog.Info("configuration loaded",
		"path", cfg.ConfigPath,
		"sensors", len(snap.Sensors),
		"meadtools_url", snap.Account.BaseURL,
	)

	client := meadtools.NewClient(snap.Account, meadtools.Options{
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:      slog.Default(),
		MaxAttempts: cfg.UploadMaxAttempts,
	})
	client.OnTokenUpdate = func(addr, token string) {
		if err := st.SetDeviceToken(addr, token); err != nil {
			slog.Warn("persisting device token failed", "addr", addr, "error", err)
		}
	}

	sinks := session.MultiSink{session.NewLogSink(slog.Default())}
	if cfg.MQTTBroker != "" {
		pub := mqtt.NewPublisher(cfg, slog.Default())
		// Short timeout so a down broker never blocks startup; the paho
		// client keeps reconnecting in the background.
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pub.Connect(connectCtx)
		cancel()
		if err != nil {
			slog.Warn("mqtt connect failed (continuing, will reconnect)", "error", err)
		}
		defer pub.Disconnect()
		sinks = append(sinks, pub)
	}

	scanner := ble.NewScanner(ble.NewSystemRadio(cfg.BLEAdapter))

	var wg sync.WaitGroup
	for _, sensor := range snap.Sensors {
		ctrl := session.New(sensor, scanner, client, session.Options{
			Sink:       sinks,
			RestPeriod: cfg.RestPeriod,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ctrl.Run(ctx)
		}()
	}

	wg.Wait()
	return nil
}
