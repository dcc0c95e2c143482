package remoting

import (
	"strings"
	"testing"
)

func TestNewObjectIdShape(t *testing.T) {
	id := NewObjectId("testpkg.Widget")
	parts := strings.Split(string(id), "/")
	if len(parts) != 4 {
		t.Fatalf("NewObjectId(...) = %q, split into %d parts; want 4 (host/pid/typename/hash)", id, len(parts))
	}
	if parts[2] != "testpkg.Widget" {
		t.Errorf("NewObjectId(...) type segment = %q; want %q", parts[2], "testpkg.Widget")
	}
	if !id.IsLocal() {
		t.Errorf("a freshly minted ObjectId should be IsLocal()")
	}
}

func TestNewObjectIdUnique(t *testing.T) {
	a := NewObjectId("testpkg.Widget")
	b := NewObjectId("testpkg.Widget")
	if a == b {
		t.Fatalf("two calls to NewObjectId returned the same id: %q", a)
	}
}

func TestObjectIdIdentifier(t *testing.T) {
	id := NewObjectId("testpkg.Widget")
	if id.Identifier() != OwnInstanceIdentifier() {
		t.Errorf("Identifier() = %q; want %q", id.Identifier(), OwnInstanceIdentifier())
	}
}

func TestObjectIdIsLocalToForeignId(t *testing.T) {
	foreign := ObjectId("otherhost/99999/testpkg.Widget/deadbeef")
	if foreign.IsLocal() {
		t.Errorf("a foreign-host id reported IsLocal() = true")
	}
	if foreign.IsLocalTo(OwnInstanceIdentifier()) {
		t.Errorf("a foreign-host id reported IsLocalTo(own) = true")
	}
	if foreign.Identifier() != InstanceIdentifier("otherhost/99999") {
		t.Errorf("Identifier() = %q; want %q", foreign.Identifier(), "otherhost/99999")
	}
}
