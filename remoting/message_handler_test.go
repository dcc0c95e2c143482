package remoting

import (
	"bytes"
	"net"
	"reflect"
	"testing"
)

func TestWriteReadArgumentNil(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteArgument(fw, im, nil); err != nil {
		t.Fatalf("WriteArgument(nil) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	if v != nil {
		t.Errorf("ReadArgument() = %v; want nil", v)
	}
}

func TestWriteReadArgumentTypeToken(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	tt := TypeToken{FullName: "testpkg.Widget"}
	if err := WriteArgument(fw, im, tt); err != nil {
		t.Fatalf("WriteArgument(TypeToken) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	got, ok := v.(TypeToken)
	if !ok || got != tt {
		t.Fatalf("ReadArgument() = %#v; want %#v", v, tt)
	}
}

func TestWriteReadArgumentTypeTokenArray(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	tts := []TypeToken{{FullName: "a.A"}, {FullName: "b.B"}}
	if err := WriteArgument(fw, im, tts); err != nil {
		t.Fatalf("WriteArgument([]TypeToken) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	got, ok := v.([]TypeToken)
	if !ok || len(got) != 2 || got[0] != tts[0] || got[1] != tts[1] {
		t.Fatalf("ReadArgument() = %#v; want %#v", v, tts)
	}
}

func TestWriteReadArgumentIPAddress(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	ip := net.ParseIP("192.168.1.42")
	if err := WriteArgument(fw, im, ip); err != nil {
		t.Fatalf("WriteArgument(net.IP) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	got, ok := v.(net.IP)
	if !ok || got.String() != ip.String() {
		t.Fatalf("ReadArgument() = %v; want %v", v, ip)
	}
}

func TestWriteReadArgumentContainer(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	values := []interface{}{"alpha", "beta", "gamma"}
	if err := WriteArgument(fw, im, values); err != nil {
		t.Fatalf("WriteArgument([]interface{}) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	got, ok := v.([]interface{})
	if !ok || len(got) != len(values) {
		t.Fatalf("ReadArgument() = %#v; want a 3-element []interface{}", v)
	}
	for i, want := range values {
		if got[i] != want {
			t.Errorf("element %d = %v; want %v", i, got[i], want)
		}
	}
}

func TestWriteReadArgumentSerializedValue(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteArgument(fw, im, "a plain serializable string"); err != nil {
		t.Fatalf("WriteArgument(string) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	if v != "a plain serializable string" {
		t.Errorf("ReadArgument() = %v; want %q", v, "a plain serializable string")
	}
}

func TestWriteReadArgumentRemotableByReference(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteArgument(fw, im, w); err != nil {
		t.Fatalf("WriteArgument(Remotable) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	// Decoded against the same InstanceManager that minted the id, so the
	// original object (not a proxy) comes back.
	if v != interface{}(w) {
		t.Fatalf("ReadArgument() = %v; want the original widget back (same InstanceManager round trip)", v)
	}
}

func TestWriteReadArgumentRemoteReferenceFromForeignProcess(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	foreignID := ObjectId("otherhost/13579/testpkg.Remote/0badc0de")

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteInt32(int32(RefRemoteReference)); err != nil {
		t.Fatalf("WriteInt32 returned error: %s", err)
	}
	if err := fw.WriteString(string(foreignID)); err != nil {
		t.Fatalf("WriteString(id) returned error: %s", err)
	}
	if err := fw.WriteString("testpkg.Remote"); err != nil {
		t.Fatalf("WriteString(typeName) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	ph, ok := v.(*proxyHandle)
	if !ok {
		t.Fatalf("ReadArgument() = %T; want *proxyHandle", v)
	}
	if ph.ObjectID() != foreignID {
		t.Errorf("proxy ObjectID() = %q; want %q", ph.ObjectID(), foreignID)
	}
	if got, ok := im.TryGet(foreignID); !ok || got != interface{}(ph) {
		t.Errorf("InstanceManager did not register the synthesized proxy under %q", foreignID)
	}
}

func TestWriteReadArgumentDelegate(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	w := &widget{}
	registerMethodToken("OnWidgetChanged")

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	del := Delegate{Target: w, MethodName: "OnWidgetChanged"}
	if err := WriteArgument(fw, im, del); err != nil {
		t.Fatalf("WriteArgument(Delegate) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	sink, ok := v.(*delegateSink)
	if !ok {
		t.Fatalf("ReadArgument() = %T; want *delegateSink", v)
	}
	if sink.targetMethod != "OnWidgetChanged" {
		t.Errorf("sink.targetMethod = %q; want %q", sink.targetMethod, "OnWidgetChanged")
	}
	wantTargetID, _ := im.TryGetId(w)
	if sink.targetObjectID != wantTargetID {
		t.Errorf("sink.targetObjectID = %q; want %q", sink.targetObjectID, wantTargetID)
	}
}

// callbackHolder is a by-value (not Remotable) struct carrying a proxy deep
// inside a serialized graph — the case spec §4.3 rule 8 calls out: "a
// serializer surrogate replaces any proxy it encounters ... and on the
// receiving side reconstitutes it via C2."
type callbackHolder struct {
	Name     string
	Callback *proxyHandle
}

func TestWriteReadArgumentEmbeddedProxyStaticType(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	foreignID := ObjectId("otherhost/13579/testpkg.Remote/0badc0de")
	holder := callbackHolder{
		Name:     "onDone",
		Callback: &proxyHandle{id: foreignID, typeFullName: "testpkg.Remote"},
	}

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteArgument(fw, im, holder); err != nil {
		t.Fatalf("WriteArgument(callbackHolder) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, reflect.TypeOf(callbackHolder{}))
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	got, ok := v.(callbackHolder)
	if !ok {
		t.Fatalf("ReadArgument() = %T; want callbackHolder", v)
	}
	if got.Name != holder.Name {
		t.Errorf("Name = %q; want %q", got.Name, holder.Name)
	}
	if got.Callback == nil || got.Callback.ObjectID() != foreignID {
		t.Fatalf("Callback = %#v; want a bound proxy for %q", got.Callback, foreignID)
	}
	if reg, ok := im.TryGet(foreignID); !ok || reg != interface{}(got.Callback) {
		t.Errorf("InstanceManager did not register the embedded proxy under %q", foreignID)
	}
}

func TestWriteReadArgumentEmbeddedProxyDynamicType(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	foreignID := ObjectId("otherhost/13579/testpkg.Remote/cafef00d")
	holder := callbackHolder{
		Name:     "onDone",
		Callback: &proxyHandle{id: foreignID, typeFullName: "testpkg.Remote"},
	}

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteArgument(fw, im, holder); err != nil {
		t.Fatalf("WriteArgument(callbackHolder) returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	// No static type this time: decode lands in the generic interface{}
	// path, so the embedded surrogate must be caught by
	// resolveGenericSurrogates instead of proxyHandle.UnmarshalCBOR.
	fr := NewFrameReader(&buf)
	v, err := ReadArgument(fr, im, nil, nil)
	if err != nil {
		t.Fatalf("ReadArgument() returned error: %s", err)
	}
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		t.Fatalf("ReadArgument() = %T; want map[interface{}]interface{}", v)
	}
	ph, ok := m["Callback"].(*proxyHandle)
	if !ok {
		t.Fatalf("Callback field = %T; want *proxyHandle", m["Callback"])
	}
	if ph.ObjectID() != foreignID {
		t.Errorf("proxy ObjectID() = %q; want %q", ph.ObjectID(), foreignID)
	}
	if reg, ok := im.TryGet(foreignID); !ok || reg != interface{}(ph) {
		t.Errorf("InstanceManager did not register the embedded proxy under %q", foreignID)
	}
}

func TestWriteArgumentUnsupportedIsSerializationFailure(t *testing.T) {
	im := NewInstanceManager(newTestLogger(), OwnInstanceIdentifier())
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	err := WriteArgument(fw, im, make(chan int))
	if err == nil {
		t.Fatalf("WriteArgument(chan int) returned nil error; want SerializationFailure")
	}
	if kind, ok := KindOf(err); !ok || kind != SerializationFailure {
		t.Errorf("WriteArgument(chan int) error kind = %v, %v; want SerializationFailure, true", kind, ok)
	}
}
