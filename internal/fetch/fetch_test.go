package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/blockcast/internal/fetch"
)

func TestPayloadRoundTrip(t *testing.T) {
	want := make([]byte, 2048)
	for i := range want {
		want[i] = byte(i % 97)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(want)
	}))
	defer srv.Close()

	got, err := fetch.Payload(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPayloadEmptyBodyIsLegal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	got, err := fetch.Payload(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPayloadNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fetch.Payload(context.Background(), srv.URL)
	require.ErrorIs(t, err, fetch.ErrFetch)
}

func TestPayloadUnreachableHost(t *testing.T) {
	_, err := fetch.Payload(context.Background(), "http://127.0.0.1:1/nothing")
	require.ErrorIs(t, err, fetch.ErrFetch)
}

func TestPayloadCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetch.Payload(ctx, srv.URL)
	require.ErrorIs(t, err, fetch.ErrFetch)
}
