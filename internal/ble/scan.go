package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Advertisement is one raw manufacturer-data observation from the target
// pill within a scan window.
type Advertisement struct {
	Address string
	RSSI    int16
	Data    []byte
	SeenAt  time.Time
}

// ScanError marks adapter-level failures (enable, scan start) so callers can
// tell a broken radio apart from an empty scan window. An empty window is
// normal: the pill broadcasts on its own schedule and may be out of range.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string { return "ble scan: " + e.Err.Error() }
func (e *ScanError) Unwrap() error { return e.Err }

// ManufacturerRecord is one company-ID-tagged blob from an advertisement.
type ManufacturerRecord struct {
	CompanyID uint16
	Data      []byte
}

// Observation is the slice of a scan result the Scanner consumes.
type Observation struct {
	Address          string
	RSSI             int16
	ManufacturerData []ManufacturerRecord
}

// Radio is the minimal adapter surface the Scanner needs. Scan blocks until
// StopScan is called or the scan fails.
type Radio interface {
	Enable() error
	Scan(callback func(Observation)) error
	StopScan() error
}

type systemRadio struct {
	adapter *bluetooth.Adapter
}

// NewSystemRadio wraps the platform bluetooth adapter ("hci0" by default).
func NewSystemRadio(adapterID string) Radio {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &systemRadio{adapter: bluetooth.NewAdapter(adapterID)}
}

func (r *systemRadio) Enable() error   { return r.adapter.Enable() }
func (r *systemRadio) StopScan() error { return r.adapter.StopScan() }

func (r *systemRadio) Scan(callback func(Observation)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		obs := Observation{
			Address: res.Address.String(),
			RSSI:    res.RSSI,
		}
		for _, md := range res.ManufacturerData() {
			obs.ManufacturerData = append(obs.ManufacturerData, ManufacturerRecord{
				CompanyID: md.CompanyID,
				Data:      append([]byte(nil), md.Data...),
			})
		}
		callback(obs)
	})
}

// Scanner runs bounded scan windows against a single radio. The radio only
// supports one scan at a time, so windows are serialized; concurrent session
// controllers queue here rather than fighting over the adapter.
type Scanner struct {
	mu      sync.Mutex
	radio   Radio
	enabled bool
}

func NewScanner(radio Radio) *Scanner {
	return &Scanner{radio: radio}
}

// ScanWindow collects manufacturer-data payloads broadcast by addr for up to
// window, then stops. It returns at the deadline (or on ctx cancellation)
// even if nothing matching was heard; an empty result is not an error.
func (s *Scanner) ScanWindow(ctx context.Context, addr string, window time.Duration) ([]Advertisement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.enabled {
		if err := s.radio.Enable(); err != nil {
			return nil, &ScanError{Err: fmt.Errorf("enable adapter: %w", err)}
		}
		s.enabled = true
	}

	target := NormalizeAddress(addr)

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	// StopScan unblocks radio.Scan at the window deadline or on cancellation.
	stop := context.AfterFunc(ctx, func() {
		if err := s.radio.StopScan(); err != nil {
			slog.Debug("ble: stop scan", "error", err)
		}
	})
	defer stop()

	var (
		outMu sync.Mutex
		out   []Advertisement
	)
	err := s.radio.Scan(func(obs Observation) {
		if NormalizeAddress(obs.Address) != target {
			return
		}
		for _, md := range obs.ManufacturerData {
			if md.CompanyID != CompanyID {
				continue
			}
			outMu.Lock()
			out = append(out, Advertisement{
				Address: obs.Address,
				RSSI:    obs.RSSI,
				Data:    append([]byte(nil), md.Data...),
				SeenAt:  time.Now(),
			})
			outMu.Unlock()
		}
	})

	// Scan errors after the deadline fired are just the radio winding down.
	if err != nil && ctx.Err() == nil {
		return nil, &ScanError{Err: err}
	}

	outMu.Lock()
	defer outMu.Unlock()
	return out, nil
}

// NormalizeAddress canonicalizes a hardware address for comparison:
// upper-case, colon-separated.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(addr), "-", ":"))
}
