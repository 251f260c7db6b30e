package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockHTTPClient returns canned responses per attempt.
type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
	calls  atomic.Int64
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.calls.Add(1)
	return m.doFunc(req)
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}
}

func errResponse(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}
}

func fastConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.1,
	}
}

func TestVerifySucceedsFirstAttempt(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/.well-known/health" {
			t.Errorf("expected health path, got %q", req.URL.Path)
		}
		return okResponse(), nil
	}}
	v := NewWithClient(fastConfig(), client, nil)

	if !v.Verify(context.Background(), "https://svc.example.com/", 5*time.Second) {
		t.Error("expected verification to succeed")
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestVerifyRetriesThenSucceeds(t *testing.T) {
	client := &mockHTTPClient{}
	client.doFunc = func(req *http.Request) (*http.Response, error) {
		if client.calls.Load() < 3 {
			return errResponse(http.StatusServiceUnavailable), nil
		}
		return okResponse(), nil
	}
	v := NewWithClient(fastConfig(), client, nil)

	if !v.Verify(context.Background(), "https://svc.example.com", 5*time.Second) {
		t.Error("expected verification to succeed after retries")
	}
	if n := client.calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestVerifyExhaustsRetries(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	v := NewWithClient(fastConfig(), client, nil)

	if v.Verify(context.Background(), "https://svc.example.com", 5*time.Second) {
		t.Error("expected verification to fail")
	}
	if n := client.calls.Load(); n != 5 {
		t.Errorf("expected 5 attempts, got %d", n)
	}
}

func TestVerifyNonSuccessStatusIsFailure(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return errResponse(http.StatusNotFound), nil
	}}
	v := NewWithClient(fastConfig(), client, nil)

	if v.Verify(context.Background(), "https://svc.example.com", 5*time.Second) {
		t.Error("expected 404 responses to fail verification")
	}
}

func TestVerifySendsAPIKey(t *testing.T) {
	cfg := fastConfig()
	cfg.APIKey = "sk-test"
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("X-API-Key"); got != "sk-test" {
			t.Errorf("expected X-API-Key header, got %q", got)
		}
		return okResponse(), nil
	}}
	v := NewWithClient(cfg, client, nil)

	v.Verify(context.Background(), "https://svc.example.com", 5*time.Second)
}

func TestVerifyHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		cancel()
		return errResponse(http.StatusServiceUnavailable), nil
	}}
	v := NewWithClient(fastConfig(), client, nil)

	if v.Verify(ctx, "https://svc.example.com", 5*time.Second) {
		t.Error("expected verification to fail once context is cancelled")
	}
}
