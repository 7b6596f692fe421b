package index

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/blobcache/internal/circuit"
	"github.com/objectfs/blobcache/internal/conn"
	"github.com/objectfs/blobcache/pkg/utils"
)

func newIndex(t *testing.T) (*Server, *Client) {
	t.Helper()
	idx := NewServer()
	srv := httptest.NewServer(idx)
	t.Cleanup(srv.Close)

	manager := conn.NewManager(conn.DefaultConfig(), nil, utils.DiscardLogger())
	t.Cleanup(manager.Close)

	return idx, NewClient(srv.URL, manager.HTTPClient(), utils.DiscardLogger())
}

func TestNewClient_Address(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"", "http://127.0.0.1:9999/"},
		{"localhost:8080", "http://localhost:8080/"},
		{"http://10.0.0.1:9999", "http://10.0.0.1:9999/"},
		{"http://10.0.0.1:9999/", "http://10.0.0.1:9999/"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, NewClient(tt.address, nil, utils.DiscardLogger()).URL())
		})
	}
}

func TestClient_PublishThenLookup(t *testing.T) {
	idx, client := newIndex(t)
	ctx := context.Background()

	_, ok := client.Lookup(ctx, "bucket/object")
	assert.False(t, ok)

	client.Publish(ctx, Record{Key: "bucket/object", Location: "/cache/1.abc", Size: 42})
	assert.Equal(t, 1, idx.Len())

	rec, ok := client.Lookup(ctx, "bucket/object")
	require.True(t, ok)
	assert.Equal(t, Record{Key: "bucket/object", Location: "/cache/1.abc", Size: 42}, rec)
}

func TestClient_LookupMalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"missing size", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderValue, "/tmp/x")
		}},
		{"missing value", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderSize, "10")
		}},
		{"non numeric size", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderValue, "/tmp/x")
			w.Header().Set(HeaderSize, "ten")
		}},
		{"zero size", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderValue, "/tmp/x")
			w.Header().Set(HeaderSize, "0")
		}},
		{"negative size", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderValue, "/tmp/x")
			w.Header().Set(HeaderSize, "-5")
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := NewClient(srv.URL, srv.Client(), utils.DiscardLogger())
			_, ok := client.Lookup(context.Background(), "k")
			assert.False(t, ok)
		})
	}
}

func TestClient_UnreachableIndex(t *testing.T) {
	srv := httptest.NewServer(NewServer())
	url := srv.URL
	srv.Close()

	client := NewClient(url, nil, utils.DiscardLogger())
	_, ok := client.Lookup(context.Background(), "k")
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		client.Publish(context.Background(), Record{Key: "k", Location: "/x", Size: 1})
	})
}

func TestClient_SendsProtocolHeaders(t *testing.T) {
	var gotKey, gotAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get(HeaderKey))
		gotAgent.Store(r.UserAgent())
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	manager := conn.NewManager(conn.DefaultConfig(), nil, utils.DiscardLogger())
	defer manager.Close()

	client := NewClient(srv.URL, manager.HTTPClient(), utils.DiscardLogger())
	_, ok := client.Lookup(context.Background(), "some/key")
	assert.False(t, ok)
	assert.Equal(t, "some/key", gotKey.Load())
	assert.Equal(t, conn.DefaultUserAgent, gotAgent.Load())
}

func TestClient_BreakerStopsCallingFailingIndex(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, srv.Client(), utils.DiscardLogger())
	breaker := circuit.New("index", circuit.Config{FailureThreshold: 3, Timeout: time.Hour})
	client.SetBreaker(breaker)

	for i := 0; i < 10; i++ {
		_, ok := client.Lookup(context.Background(), "k")
		assert.False(t, ok)
	}
	client.Publish(context.Background(), Record{Key: "k", Location: "/tmp/x", Size: 1})

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, circuit.StateOpen, breaker.State())
}

func TestClient_BreakerIgnoresMisses(t *testing.T) {
	idx, client := newIndex(t)
	breaker := circuit.New("index", circuit.Config{FailureThreshold: 1})
	client.SetBreaker(breaker)

	for i := 0; i < 5; i++ {
		_, ok := client.Lookup(context.Background(), "absent")
		assert.False(t, ok)
	}
	assert.Equal(t, circuit.StateClosed, breaker.State())

	idx.Set(Record{Key: "present", Location: "/data/1", Size: 10})
	rec, ok := client.Lookup(context.Background(), "present")
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.Size)
}
