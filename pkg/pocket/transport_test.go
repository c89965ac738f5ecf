package pocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	syncwire "github.com/tallydeck/tally/internal/sync"
)

type staticTokens struct {
	token     string
	refreshed int
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func (s *staticTokens) Refresh(ctx context.Context) (string, error) {
	s.refreshed++
	return s.token, nil
}

// rotatingTokens hands out a stale token until Refresh is called.
type rotatingTokens struct {
	current   string
	fresh     string
	refreshed int
}

func (r *rotatingTokens) Token(ctx context.Context) (string, error) {
	return r.current, nil
}

func (r *rotatingTokens) Refresh(ctx context.Context) (string, error) {
	r.refreshed++
	r.current = r.fresh
	return r.current, nil
}

func pullOK(w http.ResponseWriter) {
	resp := syncwire.PullResponse{Timestamp: 42}
	resp.Changes.Normalize()
	json.NewEncoder(w).Encode(resp)
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		pullOK(w)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &staticTokens{token: "tok-1"})
	resp, err := client.Pull(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
	if resp.Timestamp != 42 {
		t.Errorf("timestamp = %d, want 42", resp.Timestamp)
	}
}

func TestClientRefreshesOnceOn401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pullOK(w)
	}))
	defer srv.Close()

	tokens := &rotatingTokens{current: "stale", fresh: "fresh"}
	client := NewClient(srv.URL, tokens)

	if _, err := client.Pull(context.Background(), 0); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if tokens.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", tokens.refreshed)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestClientGivesUpAfterSecond401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "rejected"}
	client := NewClient(srv.URL, tokens)

	_, err := client.Pull(context.Background(), 0)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if tokens.refreshed != 1 {
		t.Errorf("refreshed = %d, want exactly 1", tokens.refreshed)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (no retry loop)", attempts)
	}
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"conflict", http.StatusConflict, ErrConflict},
		{"unprocessable", http.StatusUnprocessableEntity, ErrApply},
		{"server error", http.StatusInternalServerError, ErrServerRejected},
		{"not found", http.StatusNotFound, ErrServerRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(syncwire.PushResponse{OK: false, Errors: []string{"nope"}})
			}))
			defer srv.Close()

			client := NewClient(srv.URL, &staticTokens{token: "tok"})
			_, err := client.Push(context.Background(), &syncwire.PushRequest{})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientMapsTransportFailureToErrNetwork(t *testing.T) {
	// a closed server guarantees connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, &staticTokens{token: "tok"})
	_, err := client.Pull(context.Background(), 0)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}
