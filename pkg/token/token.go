package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/metrics"
	"github.com/luxapientia/alphacore/pkg/redact"
)

// ErrNotReady is returned when no live token is available within the wait
// deadline
var ErrNotReady = errors.New("access token not ready")

// currentWait bounds how long Current blocks while a refresh is in progress
const currentWait = 3 * time.Second

// serviceAccountKey is the on-disk key document the manager signs assertions
// with. Only the fields the mint flow needs are decoded.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Manager keeps a short-lived cloud access token warm. It mints by exchanging
// a signed JWT assertion at the key's token endpoint, refreshes on a schedule
// tied to the token lifetime, and re-mints immediately when the key file
// rotates on disk. Minted tokens are registered with the redactor before any
// caller can see them.
type Manager struct {
	cfg      config.TokenConfig
	redactor *redact.Redactor
	client   *http.Client
	logger   zerolog.Logger

	mu         sync.Mutex
	key        *serviceAccountKey
	signer     *rsa.PrivateKey
	token      string
	expiresAt  time.Time
	refreshing chan struct{} // non-nil while a refresh is in flight

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager loads the service-account key and returns an unstarted manager
func NewManager(cfg config.TokenConfig, redactor *redact.Redactor) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		redactor: redactor,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   log.WithComponent("token-manager"),
		stopCh:   make(chan struct{}),
	}
	if err := m.loadKey(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadKey() error {
	data, err := os.ReadFile(m.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to read service-account key: %w", err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse service-account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" || key.TokenURI == "" {
		return fmt.Errorf("service-account key missing client_email, private_key or token_uri")
	}

	signer, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return fmt.Errorf("failed to parse service-account private key: %w", err)
	}

	m.mu.Lock()
	m.key = &key
	m.signer = signer
	m.mu.Unlock()
	return nil
}

// Start begins the refresh loop and the key-file watcher. The first mint runs
// synchronously so readiness is known before the pool accepts jobs; a failed
// first mint leaves the manager not-ready but running.
func (m *Manager) Start(ctx context.Context) {
	if err := m.refresh(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Initial token mint failed; submissions will be refused until a mint succeeds")
	}

	m.wg.Add(1)
	go m.refreshLoop()

	if err := m.watchKeyFile(); err != nil {
		m.logger.Warn().Err(err).Msg("Key rotation watch unavailable")
	}
}

// Stop halts the refresh loop
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	for {
		interval := m.nextRefreshIn()
		select {
		case <-time.After(interval):
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.refresh(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Token refresh failed")
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// nextRefreshIn computes the delay until the token has less than the
// configured fraction of its lifetime remaining. With no token, retry soon.
func (m *Manager) nextRefreshIn() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return 10 * time.Second
	}
	threshold := time.Duration(float64(m.cfg.Lifetime) * m.cfg.RefreshFraction)
	until := time.Until(m.expiresAt) - threshold
	if until < time.Second {
		return time.Second
	}
	return until
}

func (m *Manager) watchKeyFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.cfg.KeyFile); err != nil {
		watcher.Close()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.logger.Info().Str("file", m.cfg.KeyFile).Msg("Service-account key rotated, re-minting")
				if err := m.loadKey(); err != nil {
					m.logger.Error().Err(err).Msg("Failed to reload rotated key")
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := m.refresh(ctx); err != nil {
					m.logger.Error().Err(err).Msg("Mint after key rotation failed")
				}
				cancel()
			case <-watcher.Errors:
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

// refresh mints a new token. Concurrent callers share one in-flight mint.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.refreshing != nil {
		done := m.refreshing
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.refreshing = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = nil
		m.mu.Unlock()
		close(done)
	}()

	tok, expiresIn, err := m.mint(ctx)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return err
	}
	metrics.TokenRefreshes.WithLabelValues("success").Inc()

	// Register with the redactor before the token becomes observable
	m.redactor.Add(tok)

	m.mu.Lock()
	m.token = tok
	m.expiresAt = time.Now().Add(expiresIn)
	m.mu.Unlock()

	m.logger.Info().Time("expires_at", time.Now().Add(expiresIn)).Msg("Access token minted")
	return nil
}

// mint signs the assertion and exchanges it at the token endpoint
func (m *Manager) mint(ctx context.Context) (string, time.Duration, error) {
	m.mu.Lock()
	key := m.key
	signer := m.signer
	m.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   key.ClientEmail,
		"scope": strings.Join(m.cfg.Scopes, " "),
		"aud":   key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(m.cfg.Lifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(signer)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, key.TokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return "", 0, fmt.Errorf("token endpoint returned an empty grant")
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

// Current returns a non-expired token, blocking up to a small deadline while
// a refresh is in progress. ErrNotReady means the caller should signal
// not-ready rather than wait.
func (m *Manager) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok, live := m.token, time.Now().Before(m.expiresAt)
	inFlight := m.refreshing
	m.mu.Unlock()

	if tok != "" && live {
		return tok, nil
	}
	if inFlight == nil {
		return "", ErrNotReady
	}

	select {
	case <-inFlight:
	case <-time.After(currentWait):
		return "", ErrNotReady
	case <-ctx.Done():
		return "", ctx.Err()
	}

	m.mu.Lock()
	tok, live = m.token, time.Now().Before(m.expiresAt)
	m.mu.Unlock()
	if tok == "" || !live {
		return "", ErrNotReady
	}
	return tok, nil
}

// Ready reports whether a live token is held
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != "" && time.Now().Before(m.expiresAt)
}
