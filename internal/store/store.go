// Package store reads and persists the flat JSON configuration document the
// external UI edits. The core takes one immutable snapshot per run; the only
// write-back is the device token a sensor is issued by MeadTools.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
)

// Account holds the MeadTools credentials and endpoint. The core treats the
// secret fields as opaque and never logs them.
type Account struct {
	BaseURL      string `json:"url"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Account-wide device token; used as a fallback when a sensor record
	// carries none of its own.
	DeviceToken string `json:"device_token,omitempty"`
}

// Sensor is the configuration for one physical pill. Immutable during a
// session except DeviceToken, which may be back-filled once issued.
type Sensor struct {
	BrewName    string `json:"brew_name"`
	Address     string `json:"mac_address"`
	PollSeconds int    `json:"poll_interval_s"`
	TempCelsius bool   `json:"temp_celsius"`
	Upload      bool   `json:"log_to_db"`
	RecipeID    int    `json:"recipe_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// PollInterval is the scan window length for this sensor.
func (s Sensor) PollInterval() time.Duration {
	return time.Duration(s.PollSeconds) * time.Second
}

// TempUnits is the unit tag MeadTools expects ("C" or "F").
func (s Sensor) TempUnits() string {
	if s.TempCelsius {
		return "C"
	}
	return "F"
}

// Snapshot is the configuration document as loaded at session start.
type Snapshot struct {
	Account Account  `json:"meadtools"`
	Sensors []Sensor `json:"sensors"`
}

// Store owns the document file. Reads hand out copies; the file is only
// rewritten through SetDeviceToken.
type Store struct {
	path string

	mu   sync.Mutex // token write-backs may arrive from several sessions
	snap Snapshot
}

// Open loads and validates the configuration document at path.
func Open(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate(&snap); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &Store{path: path, snap: snap}, nil
}

func validate(snap *Snapshot) error {
	if snap.Account.BaseURL == "" {
		return fmt.Errorf("meadtools.url is required")
	}
	seen := make(map[string]string, len(snap.Sensors))
	for i := range snap.Sensors {
		s := &snap.Sensors[i]
		if s.Address == "" {
			return fmt.Errorf("sensor %q: mac_address is required", s.BrewName)
		}
		s.Address = ble.NormalizeAddress(s.Address)
		if prev, ok := seen[s.Address]; ok {
			return fmt.Errorf("sensors %q and %q share address %s", prev, s.BrewName, s.Address)
		}
		seen[s.Address] = s.BrewName
		if s.PollSeconds <= 0 {
			return fmt.Errorf("sensor %q: poll_interval_s must be > 0, got %d", s.BrewName, s.PollSeconds)
		}
		if s.BrewName == "" {
			s.BrewName = s.Address
		}
	}
	return nil
}

// Snapshot returns a copy of the loaded document.
func (st *Store) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.snap
	out.Sensors = append([]Sensor(nil), st.snap.Sensors...)
	return out
}

// SetDeviceToken back-fills a newly issued device token for the sensor at
// addr and rewrites the document so the token survives restarts.
func (st *Store) SetDeviceToken(addr, token string) error {
	addr = ble.NormalizeAddress(addr)
	st.mu.Lock()
	defer st.mu.Unlock()
	found := false
	for i := range st.snap.Sensors {
		if st.snap.Sensors[i].Address == addr {
			st.snap.Sensors[i].DeviceToken = token
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no sensor configured at %s", addr)
	}
	data, err := json.MarshalIndent(st.snap, "", "    ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(st.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
