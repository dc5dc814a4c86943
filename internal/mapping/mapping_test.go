package mapping

import (
	"testing"

	"github.com/wmproxy/wmproxy/internal/frame"
)

func TestLookupByDomainThenName(t *testing.T) {
	r := New()
	r.Replace(1, []frame.MappingEntry{
		{Name: "api", Domain: "api.example.com", LocalAddr: "127.0.0.1:9000", Mode: frame.ModeHTTP},
	})

	if rt, ok := r.Lookup("api.example.com"); !ok || rt.Entry.LocalAddr != "127.0.0.1:9000" {
		t.Fatalf("domain lookup failed: %+v ok=%v", rt, ok)
	}
	if rt, ok := r.Lookup("api"); !ok || rt.Entry.LocalAddr != "127.0.0.1:9000" {
		t.Fatalf("name fallback lookup failed: %+v ok=%v", rt, ok)
	}
	if _, ok := r.Lookup("nope.example.com"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestReplaceIsLastWriterWinsPerOwner(t *testing.T) {
	r := New()
	r.Replace(1, []frame.MappingEntry{{Name: "svc", Domain: "svc.example.com", LocalAddr: "10.0.0.1:80"}})
	r.Replace(1, []frame.MappingEntry{{Name: "svc", Domain: "svc.example.com", LocalAddr: "10.0.0.2:80"}})

	rt, ok := r.Lookup("svc.example.com")
	if !ok || rt.Entry.LocalAddr != "10.0.0.2:80" {
		t.Fatalf("expected replaced route, got %+v ok=%v", rt, ok)
	}
}

func TestReplaceDropsStaleEntriesFromSameOwner(t *testing.T) {
	r := New()
	r.Replace(1, []frame.MappingEntry{
		{Name: "a", Domain: "a.example.com", LocalAddr: "10.0.0.1:80"},
		{Name: "b", Domain: "b.example.com", LocalAddr: "10.0.0.2:80"},
	})
	r.Replace(1, []frame.MappingEntry{
		{Name: "a", Domain: "a.example.com", LocalAddr: "10.0.0.1:80"},
	})

	if _, ok := r.Lookup("b.example.com"); ok {
		t.Fatal("expected stale route b to be dropped on replace")
	}
	if _, ok := r.Lookup("a.example.com"); !ok {
		t.Fatal("expected route a to survive replace")
	}
}

func TestRemoveOwnerClearsAllItsRoutes(t *testing.T) {
	r := New()
	r.Replace(1, []frame.MappingEntry{{Name: "a", Domain: "a.example.com"}})
	r.Replace(2, []frame.MappingEntry{{Name: "b", Domain: "b.example.com"}})

	r.RemoveOwner(1)

	if _, ok := r.Lookup("a.example.com"); ok {
		t.Fatal("expected owner 1's routes removed")
	}
	if _, ok := r.Lookup("b.example.com"); !ok {
		t.Fatal("owner 2's routes should be unaffected")
	}
}

func TestDifferentOwnersCanClaimDifferentDomains(t *testing.T) {
	r := New()
	r.Replace(1, []frame.MappingEntry{{Name: "svc", Domain: "svc.example.com"}})
	r.Replace(2, []frame.MappingEntry{{Name: "svc2", Domain: "svc2.example.com"}})

	if _, ok := r.Lookup("svc.example.com"); !ok {
		t.Fatal("expected owner 1's route present")
	}
	if _, ok := r.Lookup("svc2.example.com"); !ok {
		t.Fatal("expected owner 2's route present")
	}
}
