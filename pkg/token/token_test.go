package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/redact"
)

// writeKeyFile generates an RSA key and writes a service-account key document
// pointing at the given token endpoint
func writeKeyFile(t *testing.T, tokenURI string) string {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	key := map[string]string{
		"client_email": "validator@test-project.iam.gserviceaccount.com",
		"private_key":  string(pemData),
		"token_uri":    tokenURI,
	}
	data, err := json.Marshal(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sa-key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// tokenEndpoint is a fake exchange endpoint counting mints
func tokenEndpoint(t *testing.T, mints *atomic.Int32, fail *atomic.Bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			http.Error(w, "mint refused", http.StatusForbidden)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))

		mints.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "ya29.test-minted-token",
			"expires_in":   3600,
		})
	}))
}

func testTokenConfig(keyFile string) config.TokenConfig {
	return config.TokenConfig{
		KeyFile:         keyFile,
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform.read-only"},
		Lifetime:        time.Hour,
		RefreshFraction: 0.25,
	}
}

func TestMintAndCurrent(t *testing.T) {
	var mints atomic.Int32
	ts := tokenEndpoint(t, &mints, nil)
	defer ts.Close()

	red := redact.New()
	m, err := NewManager(testTokenConfig(writeKeyFile(t, ts.URL)), red)
	require.NoError(t, err)

	require.NoError(t, m.refresh(context.Background()))
	assert.True(t, m.Ready())
	assert.Equal(t, int32(1), mints.Load())

	tok, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ya29.test-minted-token", tok)

	// The token must already be registered for redaction
	assert.Equal(t, "[REDACTED]", red.Scrub("ya29.test-minted-token"))
}

func TestNotReadyBeforeMint(t *testing.T) {
	var mints atomic.Int32
	ts := tokenEndpoint(t, &mints, nil)
	defer ts.Close()

	m, err := NewManager(testTokenConfig(writeKeyFile(t, ts.URL)), redact.New())
	require.NoError(t, err)

	assert.False(t, m.Ready())
	_, err = m.Current(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestMintFailureLeavesNotReady(t *testing.T) {
	var mints atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	ts := tokenEndpoint(t, &mints, &fail)
	defer ts.Close()

	m, err := NewManager(testTokenConfig(writeKeyFile(t, ts.URL)), redact.New())
	require.NoError(t, err)

	require.Error(t, m.refresh(context.Background()))
	assert.False(t, m.Ready())

	// Recovery on the next mint
	fail.Store(false)
	require.NoError(t, m.refresh(context.Background()))
	assert.True(t, m.Ready())
}

func TestNewManagerRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_email": "x"}`), 0o600))

	_, err := NewManager(testTokenConfig(path), redact.New())
	assert.Error(t, err)

	_, err = NewManager(testTokenConfig(filepath.Join(t.TempDir(), "absent.json")), redact.New())
	assert.Error(t, err)
}

func TestNextRefreshIn(t *testing.T) {
	var mints atomic.Int32
	ts := tokenEndpoint(t, &mints, nil)
	defer ts.Close()

	m, err := NewManager(testTokenConfig(writeKeyFile(t, ts.URL)), redact.New())
	require.NoError(t, err)

	// No token yet: retry soon
	assert.Equal(t, 10*time.Second, m.nextRefreshIn())

	require.NoError(t, m.refresh(context.Background()))

	// Fresh one-hour token with a 0.25 fraction refreshes in ~45 minutes
	next := m.nextRefreshIn()
	assert.Greater(t, next, 40*time.Minute)
	assert.Less(t, next, 46*time.Minute)
}
