package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChainOrderAndRequestID(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(req)
			})
		}
	}

	var seenID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Chain(http.DefaultTransport, mark("first"), RequestLogger(), mark("last"))}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(order) != 2 || order[0] != "first" || order[1] != "last" {
		t.Fatalf("unexpected middleware order %v", order)
	}
	if seenID == "" {
		t.Fatal("expected request id header on outgoing request")
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	calls := 0
	base := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})

	rt := RateLimit(0.001, 1)(base)

	req, _ := http.NewRequest(http.MethodGet, "http://backend.local/chats", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, "http://backend.local/chats", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected throttled request to fail when its context ends")
	}

	other, _ := http.NewRequest(http.MethodGet, "http://uploads.local/put", nil)
	if _, err := rt.RoundTrip(other); err != nil {
		t.Fatalf("other hosts should have their own budget: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected two forwarded calls, got %d", calls)
	}
}

func TestRequestLoggerPropagatesErrors(t *testing.T) {
	boom := errors.New("dial failed")
	rt := RequestLogger()(RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	}))

	req, _ := http.NewRequest(http.MethodGet, "http://backend.local/chats", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
