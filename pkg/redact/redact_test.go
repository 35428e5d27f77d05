package redact

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrub(t *testing.T) {
	r := New()
	r.Add("ya29.supersecrettoken")

	assert.Equal(t, "token=[REDACTED] ok", r.Scrub("token=ya29.supersecrettoken ok"))
	assert.Equal(t, "no secrets here", r.Scrub("no secrets here"))
}

func TestScrubMultipleSecrets(t *testing.T) {
	r := New()
	r.Add("first-secret-value")
	r.Add("second-secret-value")

	out := r.Scrub("a first-secret-value b second-secret-value c")
	assert.Equal(t, "a [REDACTED] b [REDACTED] c", out)
}

func TestShortSecretsIgnored(t *testing.T) {
	r := New()
	r.Add("ab")

	assert.Equal(t, "ab stays", r.Scrub("ab stays"))
}

func TestWriterScrubsAcrossChunks(t *testing.T) {
	r := New()
	secret := "ya29.split-across-writes-token"
	r.Add(secret)

	var sink bytes.Buffer
	w := r.Writer(&sink)

	// Split the secret across three writes
	payload := "prefix " + secret + " suffix"
	third := len(payload) / 3
	for _, chunk := range []string{payload[:third], payload[third : 2*third], payload[2*third:]} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	require.NoError(t, w.Close())

	out := sink.String()
	assert.NotContains(t, out, secret)
	assert.Contains(t, out, "[REDACTED]")
	assert.True(t, strings.HasPrefix(out, "prefix "))
	assert.True(t, strings.HasSuffix(out, " suffix"))
}

func TestWriterFlushOnClose(t *testing.T) {
	r := New()
	r.Add("trailing-secret-here")

	var sink bytes.Buffer
	w := r.Writer(&sink)
	_, err := w.Write([]byte("log line ends with trailing-secret-here"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "log line ends with [REDACTED]", sink.String())
}

func TestAddDeduplicates(t *testing.T) {
	r := New()
	r.Add("duplicate-secret")
	r.Add("duplicate-secret")

	assert.Equal(t, "[REDACTED]", r.Scrub("duplicate-secret"))
}
