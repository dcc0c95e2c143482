package remoting

import (
	"io"
	"reflect"
	"testing"
)

type plainStruct struct{ N int }

type greeter interface {
	Greet() string
}

type greeterImpl struct{}

func (greeterImpl) Greet() string { return "hi" }

type fakeStream struct{}

func (fakeStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (fakeStream) Close() error                { return nil }

func TestClassifyProxyShapeInterfaceStaticType(t *testing.T) {
	staticType := reflect.TypeOf((*greeter)(nil)).Elem()
	shape := classifyProxyShape(staticType, reflect.TypeOf(greeterImpl{}))
	if shape != shapeInterfaceOnly {
		t.Errorf("classifyProxyShape(interface, _) = %v; want shapeInterfaceOnly", shape)
	}
}

func TestClassifyProxyShapeUnknownRuntimeType(t *testing.T) {
	shape := classifyProxyShape(nil, nil)
	if shape != shapeInterfaceOnly {
		t.Errorf("classifyProxyShape(nil, nil) = %v; want shapeInterfaceOnly", shape)
	}
}

func TestClassifyProxyShapeStreamLike(t *testing.T) {
	shape := classifyProxyShape(nil, reflect.TypeOf(fakeStream{}))
	if shape != shapeStreamBase {
		t.Errorf("classifyProxyShape(nil, streamLike) = %v; want shapeStreamBase", shape)
	}
}

func TestClassifyProxyShapeInterfaceOverFirst(t *testing.T) {
	shape := classifyProxyShape(nil, reflect.TypeOf(greeterImpl{}))
	if shape != shapeInterfaceOverFirst {
		t.Errorf("classifyProxyShape(nil, greeterImpl) = %v; want shapeInterfaceOverFirst", shape)
	}
}

func TestClassifyProxyShapeDefaultCtorFallback(t *testing.T) {
	shape := classifyProxyShape(nil, reflect.TypeOf(plainStruct{}))
	if shape != shapeClassDefaultCtor {
		t.Errorf("classifyProxyShape(nil, plainStruct) = %v; want shapeClassDefaultCtor", shape)
	}
}

func TestNewProxyHandleRecordsShapeAndRegisters(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	foreignID := ObjectId("otherhost/24680/testpkg.Remote/abad1dea")

	ph := newProxyHandle(im, nil, foreignID, "testpkg.Remote", nil)
	if ph.Shape() != shapeInterfaceOnly {
		t.Errorf("Shape() = %v; want shapeInterfaceOnly (no declaringType known)", ph.Shape())
	}
	if _, ok := im.TryGet(foreignID); !ok {
		t.Errorf("newProxyHandle did not register itself with the InstanceManager")
	}
}

func TestDelegateRegistryAddAndIdempotentRemove(t *testing.T) {
	reg := NewDelegateRegistry()
	sink := &delegateSink{targetMethod: "OnChanged"}

	if prev := reg.Add("host/1.Changed", sink); prev != nil {
		t.Errorf("Add() on an empty key returned a non-nil previous sink: %v", prev)
	}

	got, ok := reg.Remove("host/1.Changed")
	if !ok || got != sink {
		t.Fatalf("Remove() = %v, %v; want the registered sink, true", got, ok)
	}

	// A second Remove on the same key must be a no-op, per the add_/remove_
	// idempotency testable property.
	got2, ok2 := reg.Remove("host/1.Changed")
	if ok2 || got2 != nil {
		t.Errorf("second Remove() = %v, %v; want nil, false", got2, ok2)
	}
}

func TestDelegateRegistryAddReplacesPrior(t *testing.T) {
	reg := NewDelegateRegistry()
	first := &delegateSink{targetMethod: "OnChanged"}
	second := &delegateSink{targetMethod: "OnChanged"}

	reg.Add("host/1.Changed", first)
	prev := reg.Add("host/1.Changed", second)
	if prev != first {
		t.Fatalf("second Add() returned previous sink %v; want %v", prev, first)
	}

	got, ok := reg.Remove("host/1.Changed")
	if !ok || got != second {
		t.Fatalf("Remove() = %v, %v; want the latest sink, true", got, ok)
	}
}
