package remoting

import "testing"

func TestServiceContainerRegisterAndLookup(t *testing.T) {
	c := NewServiceContainer()
	svc := &widget{}
	c.Register("testpkg.WellKnownService", svc)

	got, ok := c.Lookup("testpkg.WellKnownService")
	if !ok || got != interface{}(svc) {
		t.Fatalf("Lookup() = %v, %v; want the registered service, true", got, ok)
	}

	if _, ok := c.Lookup("testpkg.Nope"); ok {
		t.Errorf("Lookup() on an unregistered name reported ok = true")
	}
}

func TestServiceContainerRegisterReplaces(t *testing.T) {
	c := NewServiceContainer()
	first := &widget{}
	second := &widget{}
	c.Register("testpkg.WellKnownService", first)
	c.Register("testpkg.WellKnownService", second)

	got, ok := c.Lookup("testpkg.WellKnownService")
	if !ok || got != interface{}(second) {
		t.Fatalf("Lookup() = %v, %v; want the most recently registered service, true", got, ok)
	}
}

func TestServiceContainerClear(t *testing.T) {
	c := NewServiceContainer()
	c.Register("testpkg.WellKnownService", &widget{})
	c.Clear()

	if _, ok := c.Lookup("testpkg.WellKnownService"); ok {
		t.Errorf("Lookup() after Clear() reported ok = true")
	}
}
