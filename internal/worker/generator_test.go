package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGeneratorAgainst(server *httptest.Server, maxRetries int) *HTTPGenerator {
	return NewHTTPGenerator(server.URL, "test-key", 5*time.Second, maxRetries, 10*time.Millisecond)
}

func TestGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"image_path":"/images/out.png","seed":7}`))
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 0)
	result, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.NoError(t, err)
	assert.Equal(t, "/images/out.png", result.ImagePath)
	assert.Equal(t, int64(7), result.Seed)
}

func TestGenerateSafetyErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"error_code":"SAFETY","error_message":"blocked"}`))
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 3)
	_, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeSafety, ErrorCode(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateRetriesTransientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// 断连触发客户端的网络错误
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Write([]byte(`{"image_path":"/images/out.png"}`))
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 3)
	result, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.NoError(t, err)
	assert.Equal(t, "/images/out.png", result.ImagePath)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGenerateQuotaExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 2)
	_, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeQuotaExceeded, ErrorCode(err))
	assert.True(t, IsBackendCredentialError(ErrorCode(err)))
}

func TestGenerateInvalidAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 2)
	_, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidAPIKey, ErrorCode(err))
}

func TestGenerateNoImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	gen := newGeneratorAgainst(server, 0)
	_, err := gen.Generate(context.Background(), &GenerateRequest{Prompt: "猫"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeNoImage, ErrorCode(err))
}
