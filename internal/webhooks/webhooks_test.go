package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/retry"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

// newTestDispatcher creates a dispatcher that accepts loopback test servers
// and retries without delay.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, nil)
	d.urlValidator = func(string) error { return nil }
	d.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return d
}

func subscription(id, addr, url string, types ...events.Type) *Subscription {
	return &Subscription{
		ID:        id,
		Address:   addr,
		URL:       url,
		Secret:    "secret123",
		Events:    types,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := subscription("wh_1", alice, "https://example.com/hook")
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	got.URL = "https://mutated.example.com"
	got, _ = store.Get(ctx, "wh_1")
	assert.Equal(t, "https://example.com/hook", got.URL, "Get returns a copy")

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
	assert.ErrorIs(t, store.RecordSuccess(ctx, "wh_1", time.Now()), ErrNotFound)
	_, _, err = store.RecordFailure(ctx, "wh_1", "status 500", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RecordFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, "https://example.com")))

	n, disabled, err := store.RecordFailure(ctx, "wh_1", "status 500", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, disabled)

	n, disabled, err = store.RecordFailure(ctx, "wh_1", "status 502", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, disabled)

	n, disabled, err = store.RecordFailure(ctx, "wh_1", "status 502", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, disabled, "only the deactivating call reports it")

	got, _ := store.Get(ctx, "wh_1")
	assert.False(t, got.Active)
	assert.Equal(t, "status 502", got.LastError)

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSuccess(ctx, "wh_1", at))
	got, _ = store.Get(ctx, "wh_1")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
	assert.Equal(t, at, *got.LastSuccess)
}

func TestMemoryStore_ListByAddress(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"wh_1", "wh_2"} {
		s := subscription(id, alice, "https://example.com")
		s.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Create(ctx, s))
	}
	require.NoError(t, store.Create(ctx, subscription("wh_3", bob, "https://example.com")))

	subs, err := store.ListByAddress(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "wh_2", subs[0].ID, "newest first")
}

func TestSubscription_Wants(t *testing.T) {
	all := subscription("wh", alice, "")
	assert.True(t, all.Wants(events.TypeContractAnalyzed))

	some := subscription("wh", alice, "", events.TypeTransactionRejected)
	assert.True(t, some.Wants(events.TypeTransactionRejected))
	assert.False(t, some.Wants(events.TypeTransactionSubmitted))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/qshield", true},
		{"http://203.0.113.7:8080/hook", true},
		{"ftp://example.com", false},
		{"https://", false},
		{"http://localhost:9000", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.0.0.5/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidURL)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, ts.URL, events.TypeTransactionSubmitted)))

	d := newTestDispatcher(store)
	ev := events.New(events.TypeTransactionSubmitted, alice, map[string]any{"hash": "0xabc"})
	require.NoError(t, d.Publish(ctx, ev))
	require.NoError(t, d.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, headers)
	assert.Equal(t, string(events.TypeTransactionSubmitted), headers.Get(HeaderEvent))
	assert.Equal(t, ev.ID, headers.Get(HeaderDelivery))
	assert.Equal(t, Sign(body, "secret123"), headers.Get(HeaderSignature))

	var got events.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, ev.ID, got.ID)

	sub, _ := store.Get(ctx, "wh_1")
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_Filters(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, ts.URL, events.TypeTransactionRejected)))
	inactive := subscription("wh_2", alice, ts.URL)
	inactive.Active = false
	require.NoError(t, store.Create(ctx, inactive))

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionSubmitted, alice, nil)))
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionRejected, bob, nil)))
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionRejected, "", nil)))
	require.NoError(t, d.Close())
	assert.Zero(t, calls.Load())

	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionRejected, alice, nil)))
	require.NoError(t, d.Close())
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, ts.URL)))

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionAnalyzed, alice, nil)))
	require.NoError(t, d.Close())

	assert.EqualValues(t, 3, calls.Load())
	sub, _ := store.Get(ctx, "wh_1")
	assert.NotNil(t, sub.LastSuccess)
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, ts.URL)))

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionAnalyzed, alice, nil)))
	require.NoError(t, d.Close())

	assert.EqualValues(t, 1, calls.Load())
	sub, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, "status 410", sub.LastError)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestDispatcher_DisablesAfterRepeatedFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := subscription("wh_1", alice, ts.URL)
	sub.ConsecutiveFailures = MaxConsecutiveFailures - 1
	require.NoError(t, store.Create(ctx, sub))

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionAnalyzed, alice, nil)))
	require.NoError(t, d.Close())

	got, _ := store.Get(ctx, "wh_1")
	assert.False(t, got.Active)
	assert.Equal(t, MaxConsecutiveFailures, got.ConsecutiveFailures)
}

func TestDispatcher_ConcurrentFailuresAreAllCounted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, ts.URL)))

	d := newTestDispatcher(store)
	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionAnalyzed, alice, nil)))
	}
	require.NoError(t, d.Close())

	got, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, MaxConsecutiveFailures, got.ConsecutiveFailures)
	assert.False(t, got.Active)
}

func TestDispatcher_RevalidatesURL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, subscription("wh_1", alice, "http://127.0.0.1:1/hook")))

	d := NewDispatcher(store, nil)
	require.NoError(t, d.Publish(ctx, events.New(events.TypeTransactionAnalyzed, alice, nil)))
	require.NoError(t, d.Close())

	got, _ := store.Get(ctx, "wh_1")
	assert.Contains(t, got.LastError, "private addresses")
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store).RegisterProtectedRoutes(r.Group("/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}
	base := "/v1/wallets/" + alice + "/webhooks"

	w := do(http.MethodPost, base, `{"url":"https://hooks.example.com/a","events":["transaction_rejected"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, []events.Type{events.TypeTransactionRejected}, created.Webhook.Events)

	w = do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	assert.NotContains(t, w.Body.String(), created.Secret)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, base, `{"url":"http://localhost/x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, base, `{"url":"https://a.example.com","events":["payment.sent"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/v1/wallets/0xbad/webhooks", `{"url":"https://a.example.com"}`).Code)

	// Another wallet cannot delete it.
	w = do(http.MethodDelete, "/v1/wallets/"+bob+"/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodDelete, base+"/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(http.MethodDelete, base+"/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Limit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	for i := 0; i < MaxPerAddress; i++ {
		require.NoError(t, store.Create(context.Background(),
			subscription("wh_"+string(rune('a'+i)), alice, "https://example.com")))
	}
	r := gin.New()
	NewHandler(store).RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets/"+alice+"/webhooks",
		bytes.NewBufferString(`{"url":"https://example.com/x"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}
