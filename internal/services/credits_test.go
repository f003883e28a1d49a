package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestAuthorizeApproved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/credits/authorize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"authorized":true}`))
	}))
	defer srv.Close()

	s := NewCreditsService(srv.URL, "test-key")
	if err := s.Authorize(context.Background(), 5); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
}

func TestAuthorizeDenialCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"authorized":false,"reason":"balance exhausted"}`))
	}))
	defer srv.Close()

	s := NewCreditsService(srv.URL, "")
	err := s.Authorize(context.Background(), 5)
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "balance exhausted") {
		t.Errorf("denial reason missing from error: %v", err)
	}
}

func TestAuthorizeDenialIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewCreditsService(srv.URL, "")
	if err := s.Authorize(context.Background(), 1); !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("denial hit the backend %d times, want 1", n)
	}
}

func TestAuthorizeRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"authorized":true}`))
	}))
	defer srv.Close()

	s := NewCreditsService(srv.URL, "")
	if err := s.Authorize(context.Background(), 2); err != nil {
		t.Fatalf("Authorize failed after retries: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("backend hit %d times, want 3", n)
	}
}
