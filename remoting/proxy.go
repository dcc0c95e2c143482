package remoting

import (
	"context"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// proxyHandle is the local stand-in for an object that lives in the peer
// process: every method call on it is turned into an outgoing request by
// the interceptor that owns it. It implements cbor.Marshaler so that any
// proxyHandle encountered while CBOR-encoding a larger value graph
// self-substitutes into a proxySurrogate, regardless of nesting depth —
// this is the "serializer surrogate" of spec §4.3.
type proxyHandle struct {
	id           ObjectId
	typeFullName string

	// declaringType is the local reflect.Type this handle was classified
	// against, when the interceptor's TypeRegistry had one registered for
	// typeFullName. Nil if the local process has no compiled knowledge of
	// the runtime type the wire named.
	declaringType reflect.Type

	// shape records which of the proxy-synthesis rules (spec §4.3/§9) this
	// handle was classified under, for introspection/logging; dispatch
	// itself is shape-independent (every proxyHandle forwards the same way
	// regardless of shape, per design note Option B's single generic
	// interceptor function).
	shape proxyShape

	// interceptor is the ClientInterceptor that turns a call through this
	// handle into a MethodCall request. nil for a proxy that has not yet
	// been bound to a live connection (should not happen in practice).
	interceptor *ClientInterceptor
}

// Shape reports which proxy-synthesis rule this handle was classified under.
func (p *proxyHandle) Shape() proxyShape { return p.shape }

func (p *proxyHandle) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(proxySurrogate{
		Marker:       proxySurrogateMarker,
		ObjectID:     string(p.id),
		TypeFullName: p.typeFullName,
	})
}

// UnmarshalCBOR decodes a proxySurrogate back into a bare proxyHandle
// carrying only id/typeFullName. It is intentionally not bound to an
// InstanceManager or ClientInterceptor here — cbor's Unmarshal gives no way
// to thread those through — so valuecodec.go's finalizeProxiesIn/
// finalizeDecodedProxy complete the binding once decoding returns.
func (p *proxyHandle) UnmarshalCBOR(data []byte) error {
	var s proxySurrogate
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Marker != proxySurrogateMarker {
		return newErr(ProtocolError, nil, "proxyHandle.UnmarshalCBOR: not a proxy surrogate (marker %q)", s.Marker)
	}
	p.id = ObjectId(s.ObjectID)
	p.typeFullName = s.TypeFullName
	return nil
}

// ObjectID returns the proxy's identity, for TryGetId reverse lookups and
// for logging.
func (p *proxyHandle) ObjectID() ObjectId { return p.id }

// Invoke forwards a method call through this proxy's interceptor. method is
// identified the way the wire protocol identifies it: declaring type name
// plus a metadata token (here, an fnv-32a hash of the method's name, see
// methodToken in message_handler.go — Go has no numeric method tokens, and a
// name is stable and sufficient as a wire key within one declared type).
func (p *proxyHandle) Invoke(
	ctx context.Context,
	methodName string,
	genericArgTypeNames []string,
	args []interface{},
	hasReturn bool,
	refParamIdxs []int,
	refParamType []reflect.Type,
) (interface{}, []interface{}, error) {
	if p.interceptor == nil {
		return nil, nil, newErr(ProxyManagementError, nil, "proxy %s has no bound interceptor", p.id)
	}
	return p.interceptor.Call(ctx, FuncMethodCall, p.id, p.typeFullName, methodName, genericArgTypeNames, args, hasReturn, refParamIdxs, refParamType)
}

// proxyShape selects which of the proxy-synthesis rules in spec §4.3 applies
// for a requested static type T given the runtime type R that is actually
// arriving over the wire.
type proxyShape int

const (
	// shapeInterfaceOnly: T is an interface — the proxy need only implement
	// T (plus, conceptually, R's other public interfaces; Go callers that
	// need a second interface ask for a second proxy keyed off the same id).
	shapeInterfaceOnly proxyShape = iota
	// shapeClassWithCtorArgs: R is non-sealed with constructor args available.
	shapeClassWithCtorArgs
	// shapeInterfaceOverFirst: R is sealed/no usable constructor but
	// implements at least one interface.
	shapeInterfaceOverFirst
	// shapeStreamBase: special case of shapeInterfaceOverFirst where R is a
	// stream-like type (implements io.Reader/io.Writer/io.Closer); proxy
	// over that structural shape so callers can still type-assert it.
	shapeStreamBase
	// shapeClassDefaultCtor: fallback, class proxy with default construction.
	shapeClassDefaultCtor
)

// classifyProxyShape implements the decision tree of spec §9/§4.3's
// "Proxy synthesis rules." staticType is what the call site declared it
// wants; runtimeType is what the wire actually said the value is. It takes
// no constructor arguments, so it never returns shapeClassWithCtorArgs.
func classifyProxyShape(staticType, runtimeType reflect.Type) proxyShape {
	if staticType != nil && staticType.Kind() == reflect.Interface {
		return shapeInterfaceOnly
	}
	if runtimeType == nil {
		return shapeInterfaceOnly
	}
	if isStreamLike(runtimeType) {
		return shapeStreamBase
	}
	if hasExportedInterfaces(runtimeType) {
		return shapeInterfaceOverFirst
	}
	return shapeClassDefaultCtor
}

var (
	readerType = reflect.TypeOf((*interface{ Read([]byte) (int, error) })(nil)).Elem()
	writerType = reflect.TypeOf((*interface{ Write([]byte) (int, error) })(nil)).Elem()
	closerType = reflect.TypeOf((*interface{ Close() error })(nil)).Elem()
)

func isStreamLike(t reflect.Type) bool {
	return t.Implements(readerType) || t.Implements(writerType) || t.Implements(closerType)
}

func hasExportedInterfaces(t reflect.Type) bool {
	return t.NumMethod() > 0
}

// newProxyHandle builds a proxyHandle for a freshly-decoded RemoteReference,
// registering it weakly with im per spec invariant 3. staticType is the
// declared parameter/return type at the call site, if known; it and any
// locally-registered reflect.Type for typeFullName drive the proxy-shape
// classification of spec §4.3/§9.
func newProxyHandle(im *InstanceManager, interceptor *ClientInterceptor, id ObjectId, typeFullName string, staticType reflect.Type) *proxyHandle {
	p := &proxyHandle{id: id, typeFullName: typeFullName, interceptor: interceptor}
	if interceptor != nil && interceptor.Types != nil {
		p.declaringType, _ = interceptor.Types.ReflectType(typeFullName)
	}
	p.shape = classifyProxyShape(staticType, p.declaringType)
	im.AddOrReplace(p, id, typeFullName)
	return p
}

// delegateSink is the internal object ReadArgument materializes for an
// incoming MethodPointer (spec §4.3): invoking it locally turns the call
// into an outgoing request carrying targetObjectID, exactly like a proxy
// method call but for a single bound method rather than a whole interface.
type delegateSink struct {
	id             ObjectId // the delegate's own id (for remove_ lookups)
	targetObjectID ObjectId
	targetMethod   string
	interceptor    *ClientInterceptor
}

// Invoke fires the sink: used both for server-side event delivery and for
// client-side "remote object holds a callback into me" dispatch.
func (d *delegateSink) Invoke(ctx context.Context, args []interface{}) error {
	_, _, err := d.interceptor.Call(ctx, FuncMethodCall, d.targetObjectID, "", d.targetMethod, nil, args, false, nil, nil)
	return err
}

// delegateKey is the "{hostInstanceId}.{methodName}" registration key from
// spec §3, used so a later remove_X can find and drop the same sink.
func delegateKey(hostInstanceID InstanceIdentifier, methodName string) string {
	return string(hostInstanceID) + "." + methodName
}

// DelegateRegistry tracks add_X/remove_X sink registrations for one
// connection, satisfying the testable property that a second remove_ on an
// already-removed key is a no-op.
type DelegateRegistry struct {
	entries map[string]*delegateSink
}

func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{entries: map[string]*delegateSink{}}
}

// Add registers sink under key, returning the previous sink at that key, if
// any (the spec's registry holds the most recent add; a prior add without a
// matching remove is simply replaced, matching add_event semantics for a
// single-slot event on this core's reduced callback model).
func (r *DelegateRegistry) Add(key string, sink *delegateSink) *delegateSink {
	prev := r.entries[key]
	r.entries[key] = sink
	return prev
}

// Remove drops key's sink, if present, and reports whether it was present.
// A second Remove on the same key is the required no-op.
func (r *DelegateRegistry) Remove(key string) (*delegateSink, bool) {
	sink, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	delete(r.entries, key)
	return sink, true
}
