// Package meadtools is the upload client for the MeadTools brewing-log
// service: credential exchange, device-token resolution, brew registration
// and reading submission, with bounded retry on transient faults.
package meadtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/ljreaux/RaptPill-To-MeadTools/internal/ble"
	"github.com/ljreaux/RaptPill-To-MeadTools/internal/store"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxAttempts   = 4
	defaultRetryInterval = 2 * time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

// Options tune the client; zero values get defaults.
type Options struct {
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int           // total attempts per reading, including the first
	RetryInterval time.Duration // initial backoff delay
	MaxRetryDelay time.Duration // backoff cap
}

// Client talks to MeadTools on behalf of every session. It is safe for
// concurrent use; the session token is fetched once per run with a single
// in-flight exchange that concurrent sessions await.
type Client struct {
	baseURL string
	account store.Account
	http    *http.Client
	logger  *slog.Logger

	maxAttempts   uint64
	retryInterval time.Duration
	maxRetryDelay time.Duration

	// OnTokenUpdate is invoked when a device token is newly issued so the
	// configuration store can persist it. Set before the first Submit.
	OnTokenUpdate func(addr, token string)

	authFlight singleflight.Group
	mu         sync.RWMutex
	sessionTok string
	credsBad   bool

	devMu   sync.Mutex
	devices map[string]*deviceState
}

// deviceState caches per-sensor identity resolved against the service.
// A token, once obtained, is reused for the remainder of the run.
type deviceState struct {
	token        string
	hydrometerID string
	registered   bool
	brewID       string
	brewChecked  bool
}

func NewClient(account store.Account, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	return &Client{
		baseURL:       account.BaseURL,
		account:       account,
		http:          opts.HTTPClient,
		logger:        opts.Logger,
		maxAttempts:   uint64(opts.MaxAttempts),
		retryInterval: opts.RetryInterval,
		maxRetryDelay: opts.MaxRetryDelay,
		devices:       make(map[string]*deviceState),
	}
}

// Submit pushes one decoded reading for sensor, resolving the session token,
// device token and brew on the way when they are not cached yet. Transient
// faults are retried with capped exponential backoff; after the attempt
// budget the reading is given up on and the error returned, without ever
// aborting the owning session.
func (c *Client) Submit(ctx context.Context, r ble.Reading, sensor store.Sensor) error {
	op := func() error {
		session, err := c.authenticate(ctx)
		if err != nil {
			return forBackoff(err)
		}
		ds, err := c.resolveDevice(ctx, sensor, session)
		if err != nil {
			return forBackoff(err)
		}
		c.ensureBrew(ctx, sensor, ds, session)

		temp := r.TemperatureC
		if !sensor.TempCelsius {
			temp = r.Fahrenheit()
		}
		body := map[string]any{
			"token":       ds.token,
			"name":        sensor.BrewName,
			"gravity":     r.Gravity,
			"temperature": temp,
			"temp_units":  sensor.TempUnits(),
			"battery":     r.Battery,
			"datetime":    r.SeenAt.UTC().Format(time.RFC3339),
		}
		if err := c.doJSON(ctx, "submit reading", http.MethodPost, c.baseURL+"/hydrometer/rapt-pill", "", body, nil); err != nil {
			return forBackoff(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = c.maxRetryDelay
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts-1), ctx))
}

// forBackoff marks non-retryable errors permanent so the retry loop stops.
func forBackoff(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// authenticate returns the cached session token, exchanging credentials at
// most once concurrently across all sessions.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, bad := c.sessionTok, c.credsBad
	c.mu.RUnlock()
	if bad {
		return "", &AuthError{Op: "authenticate"}
	}
	if tok != "" {
		return tok, nil
	}

	v, err, _ := c.authFlight.Do("auth", func() (any, error) {
		c.mu.RLock()
		cached := c.sessionTok
		c.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}
		token, err := c.login(ctx)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				c.mu.Lock()
				c.credsBad = true
				c.mu.Unlock()
			}
			return nil, err
		}
		c.mu.Lock()
		c.sessionTok = token
		c.mu.Unlock()
		c.logger.Info("meadtools: logged in", "email", c.account.Email)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// login exchanges stored credentials for an access token: refresh first when
// a refresh token is held, falling back to a full email/password login.
func (c *Client) login(ctx context.Context) (string, error) {
	if c.account.Email != "" && c.account.RefreshToken != "" {
		var resp struct {
			AccessToken string `json:"accessToken"`
		}
		body := map[string]string{
			"email":        c.account.Email,
			"refreshToken": c.account.RefreshToken,
		}
		err := c.doJSON(ctx, "refresh login", http.MethodPost, c.baseURL+"/auth/refresh", "", body, &resp)
		if err == nil && resp.AccessToken != "" {
			return resp.AccessToken, nil
		}
		c.logger.Warn("meadtools: token refresh failed, logging in again", "error", err)
	}

	if c.account.Email == "" || c.account.Password == "" {
		return "", &AuthError{Op: "login: email and password not configured"}
	}
	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	body := map[string]string{
		"email":    c.account.Email,
		"password": c.account.Password,
	}
	if err := c.doJSON(ctx, "login", http.MethodPost, c.baseURL+"/auth/login", "", body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &UploadError{Op: "login", Err: errors.New("empty access token in response")}
	}
	return resp.AccessToken, nil
}

// resolveDevice returns the cached device identity for sensor, minting a
// device token and registering the pill on first use. Safe to repeat when an
// earlier attempt failed partway: every step is re-tried until it sticks.
func (c *Client) resolveDevice(ctx context.Context, sensor store.Sensor, session string) (*deviceState, error) {
	addr := ble.NormalizeAddress(sensor.Address)
	c.devMu.Lock()
	ds := c.devices[addr]
	if ds == nil {
		ds = &deviceState{}
		c.devices[addr] = ds
	}
	c.devMu.Unlock()

	if ds.token == "" {
		switch {
		case sensor.DeviceToken != "":
			ds.token = sensor.DeviceToken
		case c.account.DeviceToken != "":
			ds.token = c.account.DeviceToken
		default:
			var resp struct {
				Token string `json:"token"`
			}
			if err := c.doJSON(ctx, "mint device token", http.MethodPost, c.baseURL+"/hydrometer/token", session, nil, &resp); err != nil {
				return nil, err
			}
			if resp.Token == "" {
				return nil, &UploadError{Op: "mint device token", Err: errors.New("empty token in response")}
			}
			ds.token = resp.Token
			c.logger.Info("meadtools: device token issued", "sensor", sensor.BrewName)
			if c.OnTokenUpdate != nil {
				c.OnTokenUpdate(addr, resp.Token)
			}
		}
	}

	if !ds.registered {
		id, err := c.findOrRegisterHydrometer(ctx, sensor, ds.token, session)
		if err != nil {
			return nil, err
		}
		ds.hydrometerID = id
		ds.registered = true
	}
	return ds, nil
}

// findOrRegisterHydrometer looks the pill up by display name among the
// account's devices, registering it when absent.
func (c *Client) findOrRegisterHydrometer(ctx context.Context, sensor store.Sensor, deviceToken, session string) (string, error) {
	var listing struct {
		Devices []struct {
			ID         json.Number `json:"id"`
			DeviceName string      `json:"device_name"`
		} `json:"devices"`
	}
	if err := c.doJSON(ctx, "list hydrometers", http.MethodGet, c.baseURL+"/hydrometer", session, nil, &listing); err != nil {
		return "", err
	}
	for _, d := range listing.Devices {
		if d.DeviceName == sensor.BrewName {
			return d.ID.String(), nil
		}
	}

	var resp struct {
		ID json.Number `json:"id"`
	}
	body := map[string]string{"token": deviceToken, "name": sensor.BrewName}
	if err := c.doJSON(ctx, "register hydrometer", http.MethodPost, c.baseURL+"/hydrometer/rapt-pill/register", "", body, &resp); err != nil {
		return "", err
	}
	c.logger.Info("meadtools: hydrometer registered", "sensor", sensor.BrewName, "id", resp.ID.String())
	return resp.ID.String(), nil
}

// ensureBrew attaches the sensor to an ongoing brew, registering one when
// none matches, and links the configured recipe. Best-effort: the service
// correlates readings by device token even without a brew, so failures here
// only log and never block submission.
func (c *Client) ensureBrew(ctx context.Context, sensor store.Sensor, ds *deviceState, session string) {
	if ds.brewChecked || ds.hydrometerID == "" {
		return
	}

	brews, err := c.listBrews(ctx, session)
	if err != nil {
		c.logger.Warn("meadtools: listing brews failed", "sensor", sensor.BrewName, "error", err)
		return
	}
	for _, b := range brews {
		if b.Name == sensor.BrewName && b.EndDate == "" {
			ds.brewID = b.ID.String()
			break
		}
	}
	if ds.brewID == "" {
		id, err := c.registerBrew(ctx, sensor, ds.hydrometerID, session)
		if err != nil {
			c.logger.Warn("meadtools: registering brew failed", "sensor", sensor.BrewName, "error", err)
			return
		}
		ds.brewID = id
		c.logger.Info("meadtools: brew registered", "sensor", sensor.BrewName, "brew_id", id)
	}

	if sensor.RecipeID > 0 && ds.brewID != "" {
		body := map[string]int{"recipe_id": sensor.RecipeID}
		url := fmt.Sprintf("%s/hydrometer/brew/%s", c.baseURL, ds.brewID)
		if err := c.doJSON(ctx, "link recipe", http.MethodPatch, url, session, body, nil); err != nil {
			c.logger.Warn("meadtools: linking recipe failed",
				"sensor", sensor.BrewName, "recipe_id", sensor.RecipeID, "error", err)
		}
	}
	ds.brewChecked = true
}

type brew struct {
	ID      json.Number `json:"id"`
	Name    string      `json:"name"`
	EndDate string      `json:"end_date"`
}

func (c *Client) listBrews(ctx context.Context, session string) ([]brew, error) {
	var brews []brew
	if err := c.doJSON(ctx, "list brews", http.MethodGet, c.baseURL+"/hydrometer/brew", session, nil, &brews); err != nil {
		return nil, err
	}
	return brews, nil
}

func (c *Client) registerBrew(ctx context.Context, sensor store.Sensor, hydrometerID, session string) (string, error) {
	body := map[string]string{
		"device_id": hydrometerID,
		"brew_name": sensor.BrewName,
	}
	// The service answers with either the brew object or a one-element list.
	var raw json.RawMessage
	if err := c.doJSON(ctx, "register brew", http.MethodPost, c.baseURL+"/hydrometer/brew", session, body, &raw); err != nil {
		return "", err
	}
	var one brew
	if err := json.Unmarshal(raw, &one); err == nil && one.ID.String() != "" {
		return one.ID.String(), nil
	}
	var many []brew
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0].ID.String(), nil
	}
	return "", &UploadError{Op: "register brew", Err: errors.New("unexpected response shape")}
}

// doJSON performs one classified request. Transport faults and 5xx-class
// responses come back Retryable, 401 as AuthError, other 4xx as fatal for
// the current operation.
func (c *Client) doJSON(ctx context.Context, op, method, url, bearer string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &UploadError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return &UploadError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UploadError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Op: op}
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return &UploadError{Op: op, StatusCode: resp.StatusCode, Retryable: true}
	case resp.StatusCode >= 400:
		return &UploadError{Op: op, StatusCode: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &UploadError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
