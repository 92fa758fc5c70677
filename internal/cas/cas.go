// Package cas implements the content-CAS map. Given a
// content_hash, it guarantees those bytes are present in local CAS, trying
// local storage, a configured distdir, a serve endpoint, and finally HTTP
// download (with mirror fallback) in that order, short-circuiting on the
// first source that succeeds.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/forgeline/mrsetup/internal/asyncmap"
	"github.com/forgeline/mrsetup/internal/hashfacade"
	"github.com/forgeline/mrsetup/internal/storage"
)

// ErrNoSourceSucceeded is returned when none of local CAS, distdir, serve
// endpoint, or any URL could produce the requested content.
var ErrNoSourceSucceeded = errors.New("cas: no source produced the requested content")

// ServeEndpoint asks a remote CAS service to place a blob in its own store.
// It does not transfer bytes back to the caller; compute only treats this as a hit when the local
// CAS subsequently reports the blob present, which only holds when local
// and remote share the same backing store.
type ServeEndpoint interface {
	Place(ctx context.Context, contentHash string) (bool, error)
}

// Distdir looks up pre-staged distfiles by name.
type Distdir interface {
	Lookup(distfile string) (data []byte, ok bool, err error)
}

// Key is the ArchiveContent entity, narrowed to what the map needs to key
// and fetch on. Equality is by ContentHash alone, but Go map keys compare
// all fields — the request table is keyed on
// ContentHash directly rather than the full struct to preserve that
// invariant regardless of what Scheme a caller happens to pass.
type Key struct {
	ContentHash string
	Scheme      hashfacade.Type
}

// Request carries the advisory fields the ArchiveContent entity defines
// alongside its equality key.
type Request struct {
	Key       Key
	Distfile  string
	FetchURL  string
	Mirrors   []string
	SHA256Hex string
	SHA512Hex string
}

// Value is what the map resolves a Key to: Present is always true on
// success. Failure is reported via the map's error continuation as fatal
// instead, since no fallback exists once every source has been exhausted.
type Value struct {
	Present bool
}

// RetryPolicy governs how a single URL is retried before falling back to
// the next mirror: transport errors and timeouts always retry; a 429
// always retries; any other 4xx never does; 5xx retries only while On5xx
// is set.
type RetryPolicy struct {
	MaxAttemptsPerURL int
	On5xx             bool
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttemptsPerURL: 3, On5xx: true}
}

// Map is the content-CAS map.
type Map struct {
	local  *storage.CAS
	serve  ServeEndpoint
	dist   Distdir
	client *http.Client
	retry  RetryPolicy

	inner *asyncmap.AsyncMapConsumer[Key, Value]

	reqsMu sync.Mutex
	reqs   map[string]Request
}

// New creates a content-CAS map. serve and dist may be nil when no such
// backend is configured; the corresponding lookup steps are then skipped.
func New(pool *asyncmap.TaskPool, local *storage.CAS, serve ServeEndpoint, dist Distdir, client *http.Client, retry RetryPolicy) *Map {
	if client == nil {
		client = http.DefaultClient
	}

	if retry.MaxAttemptsPerURL < 1 {
		retry.MaxAttemptsPerURL = 1
	}

	m := &Map{
		local:  local,
		serve:  serve,
		dist:   dist,
		client: client,
		retry:  retry,
		reqs:   make(map[string]Request),
	}
	m.inner = asyncmap.New(pool, m.compute)

	return m
}

// Local returns the local CAS this map stores verified content into, for
// callers (such as internal/rootmaps) that need to read bytes back out
// after a Fetch has resolved.
func (m *Map) Local() *storage.CAS { return m.local }

// Submit registers req and resolves it.
func (m *Map) Submit(req Request, onReady func(Value), onError func(msg string, fatal bool)) {
	m.reqsMu.Lock()
	m.reqs[req.Key.ContentHash] = req
	m.reqsMu.Unlock()

	m.inner.ConsumeAfterKeysReady([]Key{req.Key}, func(vs []Value) {
		onReady(vs[0])
	}, onError)
}

func (m *Map) request(contentHash string) (Request, bool) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()

	req, ok := m.reqs[contentHash]

	return req, ok
}

func (m *Map) compute(
	_ *asyncmap.TaskPool,
	setter asyncmap.Setter[Value],
	errorLogger asyncmap.ErrorLogger,
	_ asyncmap.Subcaller[Key, Value],
	key Key,
) {
	req, ok := m.request(key.ContentHash)
	if !ok {
		errorLogger(fmt.Sprintf("cas: no request registered for content hash %s", key.ContentHash), true)

		return
	}

	if m.local.Has(key.ContentHash) {
		setter(Value{Present: true})

		return
	}

	if m.dist != nil && req.Distfile != "" {
		data, found, err := m.dist.Lookup(req.Distfile)
		if err != nil {
			errorLogger(fmt.Sprintf("cas: distdir lookup for %s: %v", req.Distfile, err), true)

			return
		}

		if found {
			if m.store(key, data, errorLogger) {
				setter(Value{Present: true})
			}

			return
		}
	}

	if m.serve != nil {
		placed, err := m.serve.Place(context.Background(), key.ContentHash)
		if err != nil {
			slog.Warn("cas: serve endpoint error, falling back to direct fetch", "content_hash", key.ContentHash, "error", err)
		} else if placed && m.local.Has(key.ContentHash) {
			setter(Value{Present: true})

			return
		}
	}

	urls := make([]string, 0, len(req.Mirrors)+1)
	if req.FetchURL != "" {
		urls = append(urls, req.FetchURL)
	}

	urls = append(urls, req.Mirrors...)

	for _, url := range urls {
		data, err := m.fetchWithRetry(context.Background(), url)
		if err != nil {
			slog.Warn("cas: fetch attempt failed", "url", url, "error", err)

			continue
		}

		if !m.store(key, data, errorLogger) {
			return
		}

		setter(Value{Present: true})

		return
	}

	errorLogger(fmt.Sprintf("cas: %s: %v", key.ContentHash, ErrNoSourceSucceeded), true)
}

// store verifies data against key's content hash (and, if present, the
// request's sha256/sha512 advisory digests) and writes it into local CAS.
// Verification happens strictly before the rename-into-place that PutVerified
// performs, so a corrupt download never becomes visible under its digest.
func (m *Map) store(key Key, data []byte, errorLogger asyncmap.ErrorLogger) bool {
	req, _ := m.request(key.ContentHash)

	if req.SHA256Hex != "" {
		if err := verifyAdditional(data, hashfacade.SHA256, req.SHA256Hex); err != nil {
			errorLogger(fmt.Sprintf("cas: %s: sha256 mismatch: %v", key.ContentHash, err), true)

			return false
		}
	}

	if req.SHA512Hex != "" {
		slog.Debug("cas: sha512 advisory digest present but not independently checked", "content_hash", key.ContentHash)
	}

	if err := m.local.PutVerified(data, key.Scheme, key.ContentHash); err != nil {
		errorLogger(fmt.Sprintf("cas: %s: %v", key.ContentHash, err), true)

		return false
	}

	slog.Info("cas: stored content", "content_hash", key.ContentHash, "size", humanize.Bytes(uint64(len(data)))) //nolint:gosec // len is never negative

	return true
}

func verifyAdditional(data []byte, scheme hashfacade.Type, expectedHex string) error {
	digest, err := hashfacade.OneShot(scheme, data)
	if err != nil {
		return fmt.Errorf("cas: compute advisory digest: %w", err)
	}

	if digest.HexString() != expectedHex {
		return fmt.Errorf("%w: expected %s, got %s", storage.ErrDigestMismatch, expectedHex, digest.HexString())
	}

	return nil
}

// fetchWithRetry downloads url, retrying transient failures with exponential
// backoff up to the policy's per-URL attempt limit before giving up on it.
func (m *Map) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.retry.MaxAttemptsPerURL-1)) //nolint:gosec // bounded by config validation

	op := func() error {
		data, err := m.fetchOnce(ctx, url)
		if err != nil {
			return err
		}

		body = data

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	return body, nil
}

func (m *Map) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited (%d)", resp.StatusCode)
	case resp.StatusCode >= 500 && m.retry.On5xx:
		return nil, fmt.Errorf("server error %d", resp.StatusCode)
	default:
		// Remaining 4xx (and 5xx with retry disabled) will not change on
		// a retry of the same URL; move on to the next mirror instead.
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return data, nil
}
