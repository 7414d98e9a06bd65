package server

import (
	"reflect"
	"sort"
	"testing"
)

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewHostRegistry()

	if previous, displaced := r.Register("x.test", "conn-a"); displaced {
		t.Fatalf("first register reported displacement of %q", previous)
	}
	previous, displaced := r.Register("x.test", "conn-b")
	if !displaced || previous != "conn-a" {
		t.Fatalf("second register: got (%q, %v), want (conn-a, true)", previous, displaced)
	}
	owner, ok := r.Lookup("x.test")
	if !ok || owner != "conn-b" {
		t.Fatalf("lookup after displacement: got (%q, %v)", owner, ok)
	}
}

func TestRegistryReregisterSameOwnerIsNotDisplacement(t *testing.T) {
	r := NewHostRegistry()
	r.Register("x.test", "conn-a")
	if _, displaced := r.Register("x.test", "conn-a"); displaced {
		t.Fatal("re-register by the same connection reported displacement")
	}
}

func TestRegistryPruneLeavesDisplacedHosts(t *testing.T) {
	r := NewHostRegistry()
	r.Register("a.test", "conn-a")
	r.Register("b.test", "conn-a")
	r.Register("a.test", "conn-b") // displaced away from conn-a

	removed := r.Prune("conn-a")
	sort.Strings(removed)
	if !reflect.DeepEqual(removed, []string{"b.test"}) {
		t.Fatalf("prune removed %v, want [b.test]", removed)
	}

	owner, ok := r.Lookup("a.test")
	if !ok || owner != "conn-b" {
		t.Fatalf("displaced host was pruned: got (%q, %v)", owner, ok)
	}
	if _, ok := r.Lookup("b.test"); ok {
		t.Fatal("owned host survived prune")
	}
}

func TestRegistryAtMostOneOwnerPerHost(t *testing.T) {
	r := NewHostRegistry()
	for _, conn := range []string{"a", "b", "c", "b"} {
		r.Register("h.test", conn)
		if r.Len() != 1 {
			t.Fatalf("host table grew to %d entries", r.Len())
		}
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewHostRegistry()
	r.Register("a.test", "conn-a")
	snap := r.Snapshot()
	snap["a.test"] = "tampered"
	if owner, _ := r.Lookup("a.test"); owner != "conn-a" {
		t.Fatal("snapshot mutation leaked into the registry")
	}
}
