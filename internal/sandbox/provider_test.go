package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(Transient("rate limited", nil)))
	assert.Equal(t, ErrorPermanent, Classify(Permanent("bad image", nil)))
	assert.Equal(t, ErrorUnknown, Classify(errors.New("mystery")))
	assert.Equal(t, ErrorPermanent, Classify(fmt.Errorf("wrapped: %w", Permanent("x", nil))))
}

func TestHTTPProvider_Create(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sandboxes", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"objectId":"obj-1"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok")
	inst, err := p.Create(context.Background(), CreateConfig{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "obj-1", inst.ObjectID)
}

func TestHTTPProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"objectId":"obj-2"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	inst, err := p.Create(context.Background(), CreateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "obj-2", inst.ObjectID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Create(context.Background(), CreateConfig{})
	require.Error(t, err)
	assert.Equal(t, ErrorPermanent, Classify(err))
	assert.Equal(t, int32(1), calls.Load())
}
