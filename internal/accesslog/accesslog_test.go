package accesslog

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRecordsStatusAndBytes(t *testing.T) {
	h := HTTP("test request", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body to pass through untouched, got %q", rec.Body.String())
	}
}

func TestHTTPDefaultsStatusToOKWhenUnset(t *testing.T) {
	h := HTTP("test request", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected default 200, got %d", rec.Code)
	}
}

func TestConnDoneDoesNotPanicWithoutError(t *testing.T) {
	c := StartConn("test conn", "127.0.0.1:1234")
	c.Done(10, 20, nil)
}
