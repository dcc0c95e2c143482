package remoting

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// proxySurrogate is what a *proxyHandle marshals to inside a CBOR-serialized
// payload (message-handler rule 8's "serializer surrogate"): rather than
// attempting to encode the proxy's internal dispatch state, a reference
// token is embedded, and reconstituted back into a proxy on decode.
type proxySurrogate struct {
	_            struct{} `cbor:",toarray"`
	Marker       string   // proxySurrogateMarker, so decode can recognize the shape
	ObjectID     string
	TypeFullName string
}

const proxySurrogateMarker = "goremoting.proxy"

// proxyAssemblyNeedle is the byte sequence identifying the proxy-synthesis
// package: if a serialized blob contains it outside of a well-formed
// proxySurrogate, rule 7 (already-a-proxy) was missed upstream and rule 8
// (serialize by value) wrongly ran on a proxy object. See §4.3's sanity
// check; kept per DESIGN.md's Open Question decision.
var proxyAssemblyNeedle = []byte("goremoting/remoting.proxyHandle")

// serializeValue CBOR-encodes v for a SerializedItem payload (rule 8),
// substituting any *proxyHandle encountered mid-graph with a proxySurrogate
// so the dynamic-proxy's internal state is never itself serialized.
func serializeValue(v interface{}) ([]byte, error) {
	encoded := substituteProxies(v)
	b, err := cbor.Marshal(encoded)
	if err != nil {
		return nil, newErr(SerializationFailure, err, "cbor encode of %T failed", v)
	}
	if bytes.Contains(b, proxyAssemblyNeedle) {
		return nil, newErr(UnsupportedOperation, nil,
			"serialized payload contains a raw proxy reference; rule 7 (already-a-proxy) should have matched first")
	}
	return b, nil
}

// deserializeValue is serializeValue's dual; out must be a pointer to the
// expected Go type. interceptor may be nil (e.g. decoding an exception
// message, which never embeds a proxy). Any embedded proxySurrogate is
// resolved back into a live proxy via RemoteReference semantics (message
// handler rule 8's "on the receiving side reconstitutes it via C2"):
// statically-typed *proxyHandle fields decode through proxyHandle's own
// UnmarshalCBOR and are then bound to im/interceptor by finalizeProxiesIn;
// dynamically-typed interface{} output is walked by resolveGenericSurrogates,
// since cbor has no destination type to route through UnmarshalCBOR there.
func deserializeValue(im *InstanceManager, interceptor *ClientInterceptor, b []byte, out interface{}) error {
	if err := cbor.Unmarshal(b, out); err != nil {
		return newErr(SerializationFailure, err, "cbor decode into %T failed", out)
	}
	if iface, ok := out.(*interface{}); ok {
		*iface = resolveGenericSurrogates(im, interceptor, *iface)
		return nil
	}
	finalizeProxiesIn(im, interceptor, reflect.ValueOf(out).Elem())
	return nil
}

// resolveGenericSurrogates walks a value produced by decoding CBOR into a
// bare interface{} (no static destination type, so cbor could not have
// routed through proxyHandle.UnmarshalCBOR) and replaces any encoded
// proxySurrogate shape — a 3-element array tagged with proxySurrogateMarker —
// with a live, im/interceptor-bound *proxyHandle.
func resolveGenericSurrogates(im *InstanceManager, interceptor *ClientInterceptor, v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		if len(t) == 3 {
			if marker, ok := t[0].(string); ok && marker == proxySurrogateMarker {
				objID, _ := t[1].(string)
				typeName, _ := t[2].(string)
				return finalizeDecodedProxy(im, interceptor, &proxyHandle{id: ObjectId(objID), typeFullName: typeName})
			}
		}
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = resolveGenericSurrogates(im, interceptor, e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[interface{}]interface{}, len(t))
		for k, e := range t {
			out[k] = resolveGenericSurrogates(im, interceptor, e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = resolveGenericSurrogates(im, interceptor, e)
		}
		return out
	default:
		return v
	}
}

// finalizeDecodedProxy binds a *proxyHandle freshly decoded via
// UnmarshalCBOR (which knows only id/typeFullName) to the live im/
// interceptor pair, deduplicating against an existing entry for the same id
// per invariant 1 (exactly one InstanceInfo per live object).
func finalizeDecodedProxy(im *InstanceManager, interceptor *ClientInterceptor, p *proxyHandle) *proxyHandle {
	if existing, ok := im.TryGet(p.id); ok {
		if ph, ok := existing.(*proxyHandle); ok {
			return ph
		}
	}
	p.interceptor = interceptor
	if interceptor != nil && interceptor.Types != nil {
		p.declaringType, _ = interceptor.Types.ReflectType(p.typeFullName)
	}
	p.shape = classifyProxyShape(nil, p.declaringType)
	im.AddOrReplace(p, p.id, p.typeFullName)
	return p
}

var proxyHandleType = reflect.TypeOf((*proxyHandle)(nil))

// finalizeProxiesIn walks a statically-typed decoded value looking for
// *proxyHandle fields that UnmarshalCBOR left unbound, and finalizes each one
// in place (replacing it with a dedup'd existing proxy when settable).
func finalizeProxiesIn(im *InstanceManager, interceptor *ClientInterceptor, v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.Type() == proxyHandleType {
			if v.IsNil() {
				return
			}
			p := v.Interface().(*proxyHandle)
			final := finalizeDecodedProxy(im, interceptor, p)
			if final != p && v.CanSet() {
				v.Set(reflect.ValueOf(final))
			}
			return
		}
		if !v.IsNil() {
			finalizeProxiesIn(im, interceptor, v.Elem())
		}
	case reflect.Interface:
		if !v.IsNil() {
			finalizeProxiesIn(im, interceptor, v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanInterface() {
				finalizeProxiesIn(im, interceptor, f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			finalizeProxiesIn(im, interceptor, v.Index(i))
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			finalizeProxiesIn(im, interceptor, v.MapIndex(k))
		}
	}
}

// substituteProxies replaces a top-level *proxyHandle, and any *proxyHandle
// inside (possibly nested) []interface{} values, with its proxySurrogate.
// Maps, structs and other values are returned unchanged; a *proxyHandle
// inside them is substituted during encoding by proxyHandle's own
// MarshalCBOR.
func substituteProxies(v interface{}) interface{} {
	switch t := v.(type) {
	case *proxyHandle:
		return proxySurrogate{Marker: proxySurrogateMarker, ObjectID: string(t.id), TypeFullName: t.typeFullName}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = substituteProxies(e)
		}
		return out
	default:
		return v
	}
}
