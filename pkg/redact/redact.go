package redact

import (
	"bytes"
	"io"
	"sync"
)

// Placeholder replaces every registered secret in redacted output
const Placeholder = "[REDACTED]"

// Redactor scrubs registered secrets from byte streams and strings. Secrets
// are registered by the credential manager as tokens are minted; job logs are
// only ever written through a redactor.
type Redactor struct {
	mu      sync.RWMutex
	secrets [][]byte
	maxLen  int
}

// New creates an empty redactor
func New() *Redactor {
	return &Redactor{}
}

// Add registers a secret. Short strings are ignored so the redactor never
// shreds ordinary log text.
func (r *Redactor) Add(secret string) {
	if len(secret) < 8 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if string(s) == secret {
			return
		}
	}
	r.secrets = append(r.secrets, []byte(secret))
	if len(secret) > r.maxLen {
		r.maxLen = len(secret)
	}
}

// Scrub returns s with every registered secret replaced
func (r *Redactor) Scrub(s string) string {
	return string(r.ScrubBytes([]byte(s)))
}

// ScrubBytes returns b with every registered secret replaced. The input slice
// is not modified.
func (r *Redactor) ScrubBytes(b []byte) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		if bytes.Contains(b, secret) {
			b = bytes.ReplaceAll(b, secret, []byte(Placeholder))
		}
	}
	return b
}

// Writer returns an io.WriteCloser that scrubs secrets before forwarding to
// w. A carry buffer covers secrets split across Write calls; Close flushes it.
func (r *Redactor) Writer(w io.Writer) io.WriteCloser {
	return &redactWriter{r: r, w: w}
}

type redactWriter struct {
	r     *Redactor
	w     io.Writer
	carry []byte
}

func (rw *redactWriter) Write(p []byte) (int, error) {
	rw.r.mu.RLock()
	maxLen := rw.r.maxLen
	rw.r.mu.RUnlock()

	buf := append(rw.carry, p...)
	scrubbed := rw.r.ScrubBytes(buf)

	// Hold back enough bytes to catch a secret straddling this write and the
	// next one. Everything held back is re-scrubbed on the next call.
	hold := 0
	if maxLen > 1 {
		hold = maxLen - 1
		if hold > len(scrubbed) {
			hold = len(scrubbed)
		}
	}
	flush := scrubbed[:len(scrubbed)-hold]
	rw.carry = append(rw.carry[:0], scrubbed[len(scrubbed)-hold:]...)

	if len(flush) > 0 {
		if _, err := rw.w.Write(flush); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes the carry buffer
func (rw *redactWriter) Close() error {
	if len(rw.carry) == 0 {
		return nil
	}
	out := rw.r.ScrubBytes(rw.carry)
	rw.carry = nil
	_, err := rw.w.Write(out)
	return err
}
