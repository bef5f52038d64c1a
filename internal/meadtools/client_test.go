package meadtools

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/store"
)

// fakeService is an in-memory MeadTools with per-endpoint call counters.
type fakeService struct {
	mu sync.Mutex

	logins, refreshes, mints     int
	listings, registers          int
	brewLists, brewRegs, links   int
	submits                      int
	lastSubmit                   map[string]any
	lastLink                     map[string]any

	loginStatus   int // 0 = 200
	loginFlakes   int // serve this many 503s before letting a login through
	refreshStatus int
	submitStatus  int
	loginDelay    time.Duration

	knownDevices []map[string]any // GET /hydrometer devices
	openBrews    []map[string]any // GET /hydrometer/brew
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch key := r.Method + " " + r.URL.Path; key {
	case "POST /auth/login":
		f.logins++
		if f.loginDelay > 0 {
			f.mu.Unlock()
			time.Sleep(f.loginDelay)
			f.mu.Lock()
		}
		if f.loginFlakes > 0 {
			f.loginFlakes--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			return
		}
		writeJSON(w, map[string]string{"accessToken": "sess-1", "refreshToken": "refresh-1"})
	case "POST /auth/refresh":
		f.refreshes++
		if f.refreshStatus != 0 {
			w.WriteHeader(f.refreshStatus)
			return
		}
		writeJSON(w, map[string]string{"accessToken": "sess-refreshed"})
	case "POST /hydrometer/token":
		f.mints++
		writeJSON(w, map[string]string{"token": "dev-1"})
	case "GET /hydrometer":
		f.listings++
		writeJSON(w, map[string]any{"devices": f.knownDevices})
	case "POST /hydrometer/rapt-pill/register":
		f.registers++
		writeJSON(w, map[string]any{"id": 42})
	case "GET /hydrometer/brew":
		f.brewLists++
		writeJSON(w, f.openBrews)
	case "POST /hydrometer/brew":
		f.brewRegs++
		writeJSON(w, map[string]any{"id": 9, "name": body["brew_name"]})
	case "PATCH /hydrometer/brew/9":
		f.links++
		f.lastLink = body
		writeJSON(w, map[string]any{})
	case "POST /hydrometer/rapt-pill":
		f.submits++
		f.lastSubmit = body
		if f.submitStatus != 0 {
			w.WriteHeader(f.submitStatus)
			return
		}
		writeJSON(w, map[string]any{})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, svc *fakeService, account store.Account) (*Client, *fakeService) {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	account.BaseURL = srv.URL
	c := NewClient(account, Options{
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	})
	return c, svc
}

func testAccount() store.Account {
	return store.Account{Email: "brewer@example.com", Password: "hunter2"}
}

func testSensor() store.Sensor {
	return store.Sensor{
		BrewName:    "Traditional Mead",
		Address:     "AA:BB:CC:DD:EE:10",
		PollSeconds: 30,
		TempCelsius: true,
		Upload:      true,
		RecipeID:    7,
	}
}

func testReading() ble.Reading {
	return ble.Reading{
		Version:      2,
		Gravity:      1.042,
		TemperatureC: 18.5,
		Battery:      87,
		SeenAt:       time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC),
	}
}

func TestSubmitHappyPath(t *testing.T) {
	c, svc := newTestClient(t, &fakeService{}, testAccount())

	var tokenUpdates []string
	c.OnTokenUpdate = func(addr, token string) {
		tokenUpdates = append(tokenUpdates, addr+"="+token)
	}

	if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	// Once per run: auth, token mint, registration, brew setup.
	if svc.logins != 1 {
		t.Errorf("logins = %d; want 1", svc.logins)
	}
	if svc.mints != 1 {
		t.Errorf("token mints = %d; want 1", svc.mints)
	}
	if svc.registers != 1 {
		t.Errorf("registrations = %d; want 1", svc.registers)
	}
	if svc.brewRegs != 1 {
		t.Errorf("brew registrations = %d; want 1", svc.brewRegs)
	}
	if svc.links != 1 {
		t.Errorf("recipe links = %d; want 1", svc.links)
	}
	if svc.submits != 2 {
		t.Errorf("submits = %d; want 2", svc.submits)
	}

	if len(tokenUpdates) != 1 || tokenUpdates[0] != "AA:BB:CC:DD:EE:10=dev-1" {
		t.Errorf("token updates = %v; want one AA:BB:CC:DD:EE:10=dev-1", tokenUpdates)
	}
	if got := f64(svc.lastLink["recipe_id"]); got != 7 {
		t.Errorf("linked recipe_id = %v; want 7", svc.lastLink["recipe_id"])
	}

	b := svc.lastSubmit
	if b["token"] != "dev-1" {
		t.Errorf("submit token = %v; want dev-1", b["token"])
	}
	if b["name"] != "Traditional Mead" {
		t.Errorf("submit name = %v", b["name"])
	}
	if f64(b["gravity"]) != 1.042 {
		t.Errorf("submit gravity = %v; want 1.042", b["gravity"])
	}
	if f64(b["temperature"]) != 18.5 {
		t.Errorf("submit temperature = %v; want 18.5", b["temperature"])
	}
	if b["temp_units"] != "C" {
		t.Errorf("submit temp_units = %v; want C", b["temp_units"])
	}
	if f64(b["battery"]) != 87 {
		t.Errorf("submit battery = %v; want 87", b["battery"])
	}
	if b["datetime"] != "2025-03-01T12:00:05Z" {
		t.Errorf("submit datetime = %v", b["datetime"])
	}
}

func f64(v any) float64 {
	f, _ := v.(float64)
	return f
}

func TestSubmitConvertsToFahrenheit(t *testing.T) {
	c, svc := newTestClient(t, &fakeService{}, testAccount())
	sensor := testSensor()
	sensor.TempCelsius = false

	if err := c.Submit(context.Background(), testReading(), sensor); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if got := f64(svc.lastSubmit["temperature"]); math.Abs(got-65.3) > 0.001 {
		t.Errorf("temperature = %v; want 65.3", got)
	}
	if svc.lastSubmit["temp_units"] != "F" {
		t.Errorf("temp_units = %v; want F", svc.lastSubmit["temp_units"])
	}
}

func TestSubmitRetryBound(t *testing.T) {
	c, svc := newTestClient(t, &fakeService{submitStatus: http.StatusInternalServerError}, testAccount())

	err := c.Submit(context.Background(), testReading(), testSensor())
	if !IsRetryable(err) {
		t.Fatalf("err = %v; want retryable UploadError", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.submits != 3 {
		t.Errorf("submits = %d; want exactly MaxAttempts (3)", svc.submits)
	}
	// Setup calls are not repeated per retry.
	if svc.logins != 1 || svc.mints != 1 {
		t.Errorf("setup repeated: logins=%d mints=%d; want 1 each", svc.logins, svc.mints)
	}
}

func TestSubmitFatalClientError(t *testing.T) {
	c, svc := newTestClient(t, &fakeService{submitStatus: http.StatusUnprocessableEntity}, testAccount())

	err := c.Submit(context.Background(), testReading(), testSensor())
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Retryable {
		t.Fatalf("err = %v; want fatal UploadError", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.submits != 1 {
		t.Errorf("submits = %d; want 1 (no retry on 4xx)", svc.submits)
	}
}

func TestAuthErrorIsFatalAndSticky(t *testing.T) {
	c, svc := newTestClient(t, &fakeService{loginStatus: http.StatusUnauthorized}, testAccount())

	var authErr *AuthError
	if err := c.Submit(context.Background(), testReading(), testSensor()); !errors.As(err, &authErr) {
		t.Fatalf("err = %v; want *AuthError", err)
	}
	if err := c.Submit(context.Background(), testReading(), testSensor()); !errors.As(err, &authErr) {
		t.Fatalf("second err = %v; want *AuthError", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.logins != 1 {
		t.Errorf("logins = %d; want 1 (rejected credentials are not retried)", svc.logins)
	}
	if svc.submits != 0 {
		t.Errorf("submits = %d; want 0", svc.submits)
	}
}

// A flaky auth endpoint is a transient fault like any other: the attempt
// allowance covers it, and only rejected credentials are fatal.
func TestTransientLoginFailureIsRetried(t *testing.T) {
	t.Run("recovers on retry", func(t *testing.T) {
		c, svc := newTestClient(t, &fakeService{loginFlakes: 1}, testAccount())

		if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
			t.Fatalf("Submit: %v", err)
		}

		svc.mu.Lock()
		defer svc.mu.Unlock()
		if svc.logins != 2 {
			t.Errorf("logins = %d; want 2 (503, then success)", svc.logins)
		}
		if svc.submits != 1 {
			t.Errorf("submits = %d; want 1", svc.submits)
		}
	})

	t.Run("bounded when the outage persists", func(t *testing.T) {
		c, svc := newTestClient(t, &fakeService{loginStatus: http.StatusServiceUnavailable}, testAccount())

		err := c.Submit(context.Background(), testReading(), testSensor())
		if !IsRetryable(err) {
			t.Fatalf("err = %v; want retryable UploadError", err)
		}

		svc.mu.Lock()
		defer svc.mu.Unlock()
		if svc.logins != 3 {
			t.Errorf("logins = %d; want exactly MaxAttempts (3)", svc.logins)
		}
		if svc.submits != 0 {
			t.Errorf("submits = %d; want 0", svc.submits)
		}
	})
}

func TestRefreshPreferredOverLogin(t *testing.T) {
	account := testAccount()
	account.RefreshToken = "refresh-0"
	c, svc := newTestClient(t, &fakeService{}, account)

	if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.refreshes != 1 {
		t.Errorf("refreshes = %d; want 1", svc.refreshes)
	}
	if svc.logins != 0 {
		t.Errorf("logins = %d; want 0 (refresh succeeded)", svc.logins)
	}
}

func TestRefreshFallsBackToLogin(t *testing.T) {
	account := testAccount()
	account.RefreshToken = "refresh-stale"
	c, svc := newTestClient(t, &fakeService{refreshStatus: http.StatusBadRequest}, account)

	if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.refreshes != 1 || svc.logins != 1 {
		t.Errorf("refreshes=%d logins=%d; want 1 and 1", svc.refreshes, svc.logins)
	}
}

func TestConfiguredDeviceTokenSkipsMint(t *testing.T) {
	svc := &fakeService{
		knownDevices: []map[string]any{{"id": 42, "device_name": "Traditional Mead"}},
	}
	c, _ := newTestClient(t, svc, testAccount())
	sensor := testSensor()
	sensor.DeviceToken = "dev-preset"

	if err := c.Submit(context.Background(), testReading(), sensor); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.mints != 0 {
		t.Errorf("mints = %d; want 0 (token supplied in config)", svc.mints)
	}
	if svc.registers != 0 {
		t.Errorf("registers = %d; want 0 (already known by name)", svc.registers)
	}
	if svc.lastSubmit["token"] != "dev-preset" {
		t.Errorf("submit token = %v; want dev-preset", svc.lastSubmit["token"])
	}
}

func TestOngoingBrewIsReused(t *testing.T) {
	svc := &fakeService{
		openBrews: []map[string]any{
			{"id": 9, "name": "Traditional Mead", "end_date": ""},
		},
	}
	c, _ := newTestClient(t, svc, testAccount())

	if err := c.Submit(context.Background(), testReading(), testSensor()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.brewRegs != 0 {
		t.Errorf("brew registrations = %d; want 0 (ongoing brew matched)", svc.brewRegs)
	}
	if svc.links != 1 {
		t.Errorf("recipe links = %d; want 1", svc.links)
	}
}

// Concurrent sessions needing auth share one in-flight exchange.
func TestConcurrentAuthSingleExchange(t *testing.T) {
	svc := &fakeService{loginDelay: 50 * time.Millisecond}
	c, _ := newTestClient(t, svc, testAccount())

	sensorA := testSensor()
	sensorA.DeviceToken = "dev-a"
	sensorB := testSensor()
	sensorB.BrewName = "Cyser"
	sensorB.Address = "AA:BB:CC:DD:EE:11"
	sensorB.DeviceToken = "dev-b"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []store.Sensor{sensorA, sensorB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Submit(context.Background(), testReading(), s)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.logins != 1 {
		t.Errorf("logins = %d; want 1 (single in-flight exchange)", svc.logins)
	}
}
