package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	if seenID == "" {
		t.Fatal("no request ID in context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seenID {
		t.Errorf("X-Request-ID header = %q, want %q", got, seenID)
	}

	// Two requests get distinct IDs.
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, httptest.NewRequest("GET", "/x", nil))
	if w2.Header().Get("X-Request-ID") == w.Header().Get("X-Request-ID") {
		t.Error("request IDs are not unique")
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
			t.Error("request context did not expire")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))
}

func TestAddErrorWithoutMiddleware(t *testing.T) {
	// Must not panic when the logging middleware is absent.
	AddError(context.Background(), context.Canceled)
	AddLogField(context.Background(), "k", "v")
}
