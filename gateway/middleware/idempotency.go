package middleware

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"oyamarket/crypto"
	"oyamarket/observability"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxRequestBody       = 1 << 20 // 1 MiB
	defaultIdempotentTTL = 24 * time.Hour
)

var (
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")
	errRequestInFlight     = errors.New("request with this idempotency key is in progress")
)

// IdempotencyRecord is the stored outcome of a keyed request. A pending
// record marks a request that has been reserved but has not completed.
type IdempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending"`
	Status      int       `json:"status,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
}

func (r *IdempotencyRecord) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.StoredAt) > ttl
}

// IdempotencyStore reserves, completes and releases idempotency scopes.
// Reserve returns the completed record for a replay, nil for a fresh
// reservation, ErrIdempotencyMismatch when the fingerprint differs and
// errRequestInFlight while the first request is still pending.
type IdempotencyStore interface {
	Reserve(scope, fingerprint string, now time.Time, ttl time.Duration) (*IdempotencyRecord, error)
	Complete(scope string, record *IdempotencyRecord) error
	Release(scope string) error
}

// Idempotency replays the first response of a mutating request when it is
// retried with the same Idempotency-Key. Keys are scoped per caller and bound
// to a fingerprint of the request; reusing a key for a different request is
// rejected.
type Idempotency struct {
	store IdempotencyStore
	ttl   time.Duration
	nowFn func() time.Time
}

// NewIdempotency keeps keys in process memory.
func NewIdempotency(ttl time.Duration) *Idempotency {
	return NewIdempotencyWithStore(newMemoryIdempotencyStore(), ttl)
}

func NewIdempotencyWithStore(store IdempotencyStore, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = defaultIdempotentTTL
	}
	if store == nil {
		store = newMemoryIdempotencyStore()
	}
	return &Idempotency{store: store, ttl: ttl, nowFn: time.Now}
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		if len(body) > maxRequestBody {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller, _ := CallerFromContext(r.Context())
		scope := crypto.FormatAddress(caller) + "|" + key
		fingerprint := hashRequest(r.Method, r.URL.Path, caller, body)

		cached, err := i.store.Reserve(scope, fingerprint, i.nowFn(), i.ttl)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch), errors.Is(err, errRequestInFlight):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		case cached != nil:
			observability.API().RecordReplay()
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		// Server errors release the key so the client can retry.
		if capture.status >= http.StatusInternalServerError {
			_ = i.store.Release(scope)
			return
		}
		_ = i.store.Complete(scope, &IdempotencyRecord{
			Fingerprint: fingerprint,
			Status:      capture.status,
			Body:        capture.buf.Bytes(),
			ContentType: capture.Header().Get("Content-Type"),
			StoredAt:    i.nowFn(),
		})
	})
}

// reserve applies the reservation rules to the record stored for a scope. It
// returns either a completed record to replay or a pending record to store.
// Expired records, pending ones included, are replaced.
func reserve(existing *IdempotencyRecord, fingerprint string, now time.Time, ttl time.Duration) (replay, store *IdempotencyRecord, err error) {
	if existing != nil && !existing.expired(now, ttl) {
		if existing.Fingerprint != fingerprint {
			return nil, nil, ErrIdempotencyMismatch
		}
		if existing.Pending {
			return nil, nil, errRequestInFlight
		}
		return existing, nil, nil
	}
	return nil, &IdempotencyRecord{Fingerprint: fingerprint, Pending: true, StoredAt: now}, nil
}

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*IdempotencyRecord
	swept   time.Time
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{entries: make(map[string]*IdempotencyRecord)}
}

func (m *memoryIdempotencyStore) Reserve(scope, fingerprint string, now time.Time, ttl time.Duration) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.swept) > ttl {
		m.swept = now
		for k, e := range m.entries {
			if e.expired(now, ttl) {
				delete(m.entries, k)
			}
		}
	}
	replay, next, err := reserve(m.entries[scope], fingerprint, now, ttl)
	if next != nil {
		m.entries[scope] = next
	}
	return replay, err
}

func (m *memoryIdempotencyStore) Complete(scope string, record *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[scope]; ok {
		m.entries[scope] = record
	}
	return nil
}

func (m *memoryIdempotencyStore) Release(scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, scope)
	return nil
}

func hashRequest(method, path string, caller [20]byte, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(caller[:])
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.wroteHeader = true
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}
