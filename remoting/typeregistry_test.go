package remoting

import "testing"

type widgetArgs struct {
	Name string
}

func TestTypeRegistryCreateWithCtorArgs(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register("testpkg.Widget", widgetArgs{}, func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, newErr(ProxyManagementError, nil, "Widget ctor expects 1 arg, got %d", len(args))
		}
		name, _ := args[0].(string)
		return &widgetArgs{Name: name}, nil
	})

	obj, err := reg.Create("testpkg.Widget", []interface{}{"left"})
	if err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}
	w, ok := obj.(*widgetArgs)
	if !ok || w.Name != "left" {
		t.Fatalf("Create() = %#v; want *widgetArgs{Name: \"left\"}", obj)
	}

	rt, ok := reg.ReflectType("testpkg.Widget")
	if !ok || rt.Name() != "widgetArgs" {
		t.Errorf("ReflectType() = %v, %v; want widgetArgs, true", rt, ok)
	}
}

func TestTypeRegistryCreateDefault(t *testing.T) {
	reg := NewTypeRegistry()
	reg.RegisterDefault("testpkg.Widget", widgetArgs{}, func() interface{} {
		return &widgetArgs{Name: "default"}
	})

	obj, err := reg.CreateDefault("testpkg.Widget")
	if err != nil {
		t.Fatalf("CreateDefault() returned error: %s", err)
	}
	w, ok := obj.(*widgetArgs)
	if !ok || w.Name != "default" {
		t.Fatalf("CreateDefault() = %#v; want *widgetArgs{Name: \"default\"}", obj)
	}
}

func TestTypeRegistryCreateUnregisteredIsError(t *testing.T) {
	reg := NewTypeRegistry()
	if _, err := reg.Create("testpkg.Nope", nil); err == nil {
		t.Fatalf("Create() on an unregistered type returned nil error")
	}
	if _, err := reg.CreateDefault("testpkg.Nope"); err == nil {
		t.Fatalf("CreateDefault() on an unregistered type returned nil error")
	}
	if _, ok := reg.ReflectType("testpkg.Nope"); ok {
		t.Errorf("ReflectType() on an unregistered type reported ok = true")
	}
}

func TestTypeRegistryCreateWithoutCtorIsError(t *testing.T) {
	reg := NewTypeRegistry()
	reg.RegisterDefault("testpkg.Widget", widgetArgs{}, func() interface{} { return &widgetArgs{} })
	if _, err := reg.Create("testpkg.Widget", nil); err == nil {
		t.Fatalf("Create() on a type with only a default ctor registered returned nil error")
	}
}
