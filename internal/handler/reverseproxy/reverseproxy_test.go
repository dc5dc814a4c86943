package reverseproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	h, err := New(upstream.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	front := httptest.NewServer(h)
	defer front.Close()

	resp, err := http.Get(front.URL + "/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from upstream" {
		t.Fatalf("got %q, want %q", body, "hello from upstream")
	}
}

func TestNewRejectsInvalidUpstream(t *testing.T) {
	if _, err := New("://not-a-url"); err == nil {
		t.Fatal("expected error for invalid upstream URL")
	}
}
