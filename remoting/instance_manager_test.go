package remoting

import (
	"runtime"
	"testing"
)

func newTestLogger() Logger {
	return NewLogger("test", LogLevelError)
}

type widget struct{ RemotableBase }

func TestInstanceManagerIdForIsStable(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}

	id1 := im.IdFor(w, "testpkg.widget")
	id2 := im.IdFor(w, "testpkg.widget")
	if id1 != id2 {
		t.Fatalf("IdFor(w, ...) returned different ids for the same object: %q != %q", id1, id2)
	}
	if im.Len() != 1 {
		t.Errorf("Len() = %d; want 1", im.Len())
	}

	other := &widget{}
	id3 := im.IdFor(other, "testpkg.widget")
	if id3 == id1 {
		t.Fatalf("IdFor returned the same id for two distinct objects")
	}
	if im.Len() != 2 {
		t.Errorf("Len() = %d; want 2", im.Len())
	}
}

func TestInstanceManagerTryGetAndTryGetId(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}
	id := im.IdFor(w, "testpkg.widget")

	got, ok := im.TryGet(id)
	if !ok || got != interface{}(w) {
		t.Fatalf("TryGet(%q) = %v, %v; want original object, true", id, got, ok)
	}

	backID, ok := im.TryGetId(w)
	if !ok || backID != id {
		t.Fatalf("TryGetId(w) = %q, %v; want %q, true", backID, ok, id)
	}

	if _, ok := im.TryGet(ObjectId("nonexistent")); ok {
		t.Errorf("TryGet(nonexistent) reported ok = true")
	}
}

func TestInstanceManagerRemove(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}
	id := im.IdFor(w, "testpkg.widget")

	im.Remove(id)
	if _, ok := im.TryGet(id); ok {
		t.Errorf("TryGet(%q) still found an entry after Remove", id)
	}
	if im.Len() != 0 {
		t.Errorf("Len() = %d after Remove; want 0", im.Len())
	}
}

// TestInstanceManagerSweepReleasesCollectedProxy exercises the distributed-GC
// contract (spec invariant 3): once a weakly-held proxy is no longer
// reachable, Sweep discovers and drops its entry.
func TestInstanceManagerSweepReleasesCollectedProxy(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	foreignID := ObjectId("otherhost/424242/testpkg.Remote/cafef00d")

	func() {
		ph := &proxyHandle{id: foreignID, typeFullName: "testpkg.Remote"}
		im.AddOrReplace(ph, foreignID, "testpkg.Remote")
		if _, ok := im.TryGet(foreignID); !ok {
			t.Fatalf("TryGet(%q) failed immediately after AddOrReplace", foreignID)
		}
	}()

	var released []ObjectId
	for i := 0; i < 20 && len(released) == 0; i++ {
		runtime.GC()
		released = im.Sweep()
	}

	if len(released) != 1 || released[0] != foreignID {
		t.Fatalf("Sweep() = %v; want exactly [%q] after the proxy became unreachable", released, foreignID)
	}
	if _, ok := im.TryGet(foreignID); ok {
		t.Errorf("TryGet(%q) still succeeds after Sweep reclaimed it", foreignID)
	}
}

func TestInstanceManagerAddOrReplaceHardRefForLocalId(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}
	localID := NewObjectId("testpkg.widget")

	im.AddOrReplace(w, localID, "testpkg.widget")

	got, ok := im.TryGet(localID)
	if !ok || got != interface{}(w) {
		t.Fatalf("TryGet(%q) = %v, %v; want original object, true", localID, got, ok)
	}
}
