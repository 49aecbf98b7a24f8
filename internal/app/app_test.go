package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/fieldsync/internal/config"
	"github.com/bissquit/fieldsync/internal/delivery"
	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/statusbus"
	"github.com/bissquit/fieldsync/internal/testutil"
	"github.com/bissquit/fieldsync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPISpecPath = "../../api/openapi/openapi.yaml"

type envelope[T any] struct {
	Data T `json:"data"`
}

// remoteCall is one request accepted by the remote.
type remoteCall struct {
	IdempotencyKey string
	Authorization  string
	Body           []byte            // JSON deliveries
	Fields         map[string]string // multipart deliveries
	FileName       string
	File           []byte
}

// remote records the deliveries it accepts, per path.
type remote struct {
	mu    sync.Mutex
	calls map[string][]remoteCall
}

func newRemote(t *testing.T) (*remote, *httptest.Server) {
	t.Helper()
	rm := &remote{calls: make(map[string][]remoteCall)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := remoteCall{
			IdempotencyKey: r.Header.Get(delivery.HeaderIdempotencyKey),
			Authorization:  r.Header.Get("Authorization"),
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			d.Fields = make(map[string]string)
			for k, v := range r.MultipartForm.Value {
				d.Fields[k] = v[0]
			}
			for _, headers := range r.MultipartForm.File {
				f, err := headers[0].Open()
				if err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				d.FileName = headers[0].Filename
				d.File, _ = io.ReadAll(f)
				_ = f.Close()
			}
		} else {
			d.Body, _ = io.ReadAll(r.Body)
		}

		rm.mu.Lock()
		rm.calls[r.URL.Path] = append(rm.calls[r.URL.Path], d)
		rm.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)
	return rm, server
}

func (rm *remote) deliveries(path string) []remoteCall {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]remoteCall(nil), rm.calls[path]...)
}

func (rm *remote) received(path string) []string {
	var keys []string
	for _, d := range rm.deliveries(path) {
		keys = append(keys, d.IdempotencyKey)
	}
	return keys
}

func testConfig(t *testing.T, remoteURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Store.Path = filepath.Join(t.TempDir(), "queue.db")
	cfg.Remote.BaseURL = remoteURL
	cfg.Remote.Token = "field-token"
	cfg.Sync.DeliveryTimeout = 5 * time.Second
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *testutil.Client) {
	t.Helper()

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	server := httptest.NewServer(a.Router())
	t.Cleanup(server.Close)

	client := testutil.NewClientWithValidation(t, server.URL, openAPISpecPath)
	client.Token = cfg.Server.APIToken
	return a, client
}

func TestApp_SystemEndpoints(t *testing.T) {
	_, rs := newRemote(t)
	_, client := newTestApp(t, testConfig(t, rs.URL))

	resp, err := client.GET("/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", testutil.ReadBody(t, resp))

	resp, err = client.GET("/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	resp, err = client.GET("/version")
	require.NoError(t, err)
	var info version.Info
	testutil.DecodeJSON(t, resp, &info)
	assert.Equal(t, version.Get(), info)
}

func TestApp_QueueOfflineDrainOnReconnect(t *testing.T) {
	rm, rs := newRemote(t)
	a, client := newTestApp(t, testConfig(t, rs.URL))
	a.Start()

	scan := append([]byte("\x89PNG\r\n\x1a\n"), 0x00, 0x01, 0xfe, 0xff, 'e', 'n', 'd')

	resp, err := client.POST("/api/v1/chats", map[string]string{"mother_id": "m-1", "message": "fever since morning"})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	resp, err = client.POST("/api/v1/forms", map[string]any{
		"form_type": "anc_visit",
		"mother_id": "m-1",
		"data":      map[string]any{"bp": "120/80"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	resp, err = client.Upload("/api/v1/documents", "file", "scan.png", scan, map[string]string{
		"mother_id":     "m-1",
		"document_type": "ultrasound",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	resp, err = client.GET("/api/v1/pending")
	require.NoError(t, err)
	var pending envelope[domain.PendingCount]
	testutil.DecodeJSON(t, resp, &pending)
	assert.Equal(t, domain.PendingCount{Forms: 1, Chats: 1, Documents: 1, Total: 3}, pending.Data)
	assert.Empty(t, rm.received("/chats"))

	resp, err = client.PUT("/api/v1/network", map[string]bool{"online": true})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	require.Eventually(t, func() bool {
		count, err := a.Orchestrator().PendingCount(context.Background())
		return err == nil && count.Total == 0 && !a.Orchestrator().IsSyncing()
	}, 5*time.Second, 20*time.Millisecond)

	chats := rm.deliveries("/chats")
	require.Len(t, chats, 1)
	assert.NotEmpty(t, chats[0].IdempotencyKey)
	var chatBody map[string]string
	require.NoError(t, json.Unmarshal(chats[0].Body, &chatBody))
	assert.Equal(t, "fever since morning", chatBody["message"])
	assert.Equal(t, chats[0].IdempotencyKey, chatBody["client_id"])
	assert.Len(t, rm.received("/forms"), 1)

	docs := rm.deliveries("/documents")
	require.Len(t, docs, 1)
	assert.Equal(t, scan, docs[0].File)
	assert.Equal(t, "scan.png", docs[0].FileName)
	assert.Equal(t, "m-1", docs[0].Fields["mother_id"])
	assert.Equal(t, "ultrasound", docs[0].Fields["document_type"])
	assert.Equal(t, docs[0].IdempotencyKey, docs[0].Fields["client_id"])

	history, err := a.Orchestrator().History(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	report := history[0].Report
	want := domain.DomainReport{Synced: 1, Total: 1}
	assert.Equal(t, want, report.Forms)
	assert.Equal(t, want, report.Chats)
	assert.Equal(t, want, report.Documents)
	assert.Equal(t, 3, report.Totals().Synced)
}

func TestApp_CachedCredentialsAuthorizeDeliveries(t *testing.T) {
	rm, rs := newRemote(t)
	cfg := testConfig(t, rs.URL)
	cfg.Remote.Token = ""
	a, client := newTestApp(t, cfg)
	a.Monitor().Set(true)

	postChat := func(message string) {
		t.Helper()
		resp, err := client.POST("/api/v1/chats", map[string]string{"mother_id": "m-3", "message": message})
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = testutil.ReadBody(t, resp)
	}

	postChat("before sign-in")

	resp, err := client.PUT("/api/v1/cache/sb-field-auth-token", map[string]string{"access_token": "session-token"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	postChat("signed in")

	resp, err = client.DELETE("/api/v1/cache/sb-field-auth-token")
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	postChat("signed out")

	chats := rm.deliveries("/chats")
	require.Len(t, chats, 3)
	assert.Empty(t, chats[0].Authorization)
	assert.Equal(t, "Bearer session-token", chats[1].Authorization)
	assert.Empty(t, chats[2].Authorization)
}

func TestApp_ShutdownLetsRunningDrainFinish(t *testing.T) {
	started := make(chan struct{})
	var startOnce sync.Once
	var completed atomic.Int32
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		startOnce.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
			return
		case <-time.After(300 * time.Millisecond):
		}
		completed.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(rs.Close)

	a, err := New(testConfig(t, rs.URL))
	require.NoError(t, err)

	var synced atomic.Int32
	a.Bus().Subscribe(func(e statusbus.Event) {
		if e.Type == statusbus.EventItemSynced {
			synced.Add(1)
		}
	})

	_, err = a.Outbox().SaveChat(context.Background(), &domain.ChatPayload{MotherID: "m-4", Message: "bleeding"}, "")
	require.NoError(t, err)

	a.Start()
	a.Monitor().Set(true)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not reach the remote")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(1), synced.Load())
}

func TestApp_ShutdownDeadlineCancelsDrain(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		startOnce.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(rs.Close)
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t, rs.URL)
	first, err := New(cfg)
	require.NoError(t, err)

	_, err = first.Outbox().SaveChat(context.Background(), &domain.ChatPayload{MotherID: "m-5", Message: "hello"}, "")
	require.NoError(t, err)

	first.Start()
	first.Monitor().Set(true)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not reach the remote")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = first.Shutdown(ctx)

	// An abandoned attempt is not a failure.
	second, _ := newTestApp(t, cfg)
	items, err := second.Orchestrator().Items(context.Background(), domain.KindChat)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.SyncStatusPending, items[0].SyncStatus)
	assert.Zero(t, items[0].RetryCount)
}

func TestApp_QueueSurvivesRestart(t *testing.T) {
	_, rs := newRemote(t)
	cfg := testConfig(t, rs.URL)

	first, err := New(cfg)
	require.NoError(t, err)

	res, err := first.Outbox().SaveChat(context.Background(), &domain.ChatPayload{MotherID: "m-2", Message: "hello"}, "")
	require.NoError(t, err)
	require.Equal(t, domain.KindChat, res.Kind)
	require.NoError(t, first.Shutdown(context.Background()))

	second, _ := newTestApp(t, cfg)
	count, err := second.Orchestrator().PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PendingCount{Chats: 1, Total: 1}, count)

	items, err := second.Orchestrator().Items(context.Background(), domain.KindChat)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.ClientID, items[0].ClientID)
}

func TestApp_TokenAuth(t *testing.T) {
	_, rs := newRemote(t)
	cfg := testConfig(t, rs.URL)
	cfg.Server.APIToken = "secret"
	_, client := newTestApp(t, cfg)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "missing token", token: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", token: "secret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := client.WithoutValidation()
			c.Token = tt.token

			resp, err := c.GET("/api/v1/pending")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			_ = testutil.ReadBody(t, resp)
		})
	}

	// System endpoints stay open
	c := client.WithoutValidation()
	c.Token = ""
	resp, err := c.GET("/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)
}

func TestStoreOpener(t *testing.T) {
	_, err := StoreOpener(config.StoreConfig{Driver: "bolt"})
	require.Error(t, err)

	opener, store, err := OpenStore(context.Background(), config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = opener.Close() })

	_, err = store.SchemaVersion(context.Background())
	assert.NoError(t, err)
}
