package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/cache"
)

const testOrigin = "https://app.local"

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork 按 URL 返回预设响应，未登记的 URL 返回 404。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*Response
	failures  map[string]error
	offline   bool
	calls     []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]*Response),
		failures:  make(map[string]error),
	}
}

func (f *fakeNetwork) serve(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = &Response{
		Type:   ResponseBasic,
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Source: SourceNetwork,
	}
}

func (f *fakeNetwork) fail(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[rawURL] = errOffline
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := req.URL.String()
	f.calls = append(f.calls, req.Method+" "+target)
	if f.offline {
		return nil, errOffline
	}
	if err, ok := f.failures[target]; ok {
		return nil, err
	}
	if resp, ok := f.responses[target]; ok {
		return &Response{
			Type:   resp.Type,
			Status: resp.Status,
			Header: resp.Header.Clone(),
			Body:   append([]byte(nil), resp.Body...),
			Source: SourceNetwork,
		}, nil
	}
	return &Response{Type: ResponseBasic, Status: http.StatusNotFound, Header: http.Header{}, Source: SourceNetwork}, nil
}

// countingStore 统计对 Store 的访问次数。
type countingStore struct {
	cache.Store
	calls atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (cache.Bucket, error) {
	s.calls.Add(1)
	return s.Store.Open(ctx, name)
}

func (s *countingStore) Has(ctx context.Context, name string) (bool, error) {
	s.calls.Add(1)
	return s.Store.Has(ctx, name)
}

func (s *countingStore) Delete(ctx context.Context, name string) (bool, error) {
	s.calls.Add(1)
	return s.Store.Delete(ctx, name)
}

func (s *countingStore) Names(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	return s.Store.Names(ctx)
}

func (s *countingStore) Match(ctx context.Context, key cache.RequestKey) (*cache.StoredResponse, error) {
	s.calls.Add(1)
	return s.Store.Match(ctx, key)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func mustRequest(t *testing.T, method, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func navigationRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	req := mustRequest(t, http.MethodGet, rawURL)
	req.Mode = ModeNavigate
	req.Destination = "document"
	return req
}

func waitLifetime(t *testing.T, l *Lifetime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("background tasks did not finish: %v", err)
	}
}

func bucketKeys(t *testing.T, store cache.Store, name string) []string {
	t.Helper()
	ctx := context.Background()
	ok, err := store.Has(ctx, name)
	if err != nil {
		t.Fatalf("has %s: %v", name, err)
	}
	if !ok {
		return nil
	}
	bucket, err := store.Open(ctx, name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.URL)
	}
	return out
}

func putEntry(t *testing.T, store cache.Store, bucketName, rawURL, body string) {
	t.Helper()
	ctx := context.Background()
	bucket, err := store.Open(ctx, bucketName)
	if err != nil {
		t.Fatalf("open %s: %v", bucketName, err)
	}
	err = bucket.Put(ctx, cache.NewRequestKey(http.MethodGet, rawURL), &cache.StoredResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("put %s: %v", rawURL, err)
	}
}
