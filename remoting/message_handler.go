package remoting

import (
	"hash/fnv"
	"net"
	"reflect"
	"sync"
)

// Remotable is the pass-by-reference marker (spec §4.3 rule 9, §9's
// "Pass-by-reference type" in the glossary). A user type embeds
// RemotableBase to opt into RemoteReference marshalling instead of
// by-value serialization.
type Remotable interface {
	remotableMarker()
}

// RemotableBase is embedded by any user type that should cross the wire as a
// RemoteReference rather than be copied by value.
type RemotableBase struct{}

func (RemotableBase) remotableMarker() {}

// TypeToken stands in for "a type itself being passed as a value" (spec
// §4.3 rule 2): there is no Go equivalent of passing System.Type by value,
// so a type descriptor is represented explicitly by name.
type TypeToken struct {
	FullName string
}

// Delegate is an explicit bound-method-reference value (spec §4.3 rule 6):
// Go's reflect.Value for a bound method carries no stable name or receiver
// identity once formed, so callers construct a Delegate naming the sink
// object and method explicitly rather than this code trying to recover that
// information from an arbitrary func value.
type Delegate struct {
	Target     interface{}
	MethodName string
}

// methodToken derives a stable int32 wire token from a method name, so the
// Request frame's methodToken field (spec §6) has something to carry even
// though Go's reflect.Method has no numeric token of its own. The dispatcher
// resolves a token back to a reflect.Method through methodNamesByToken and
// the target type's method set (lookupMethod in dispatcher.go), LRU-cached.
func methodToken(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32())
}

// WriteArgument classifies value by the first matching rule of spec §4.3 and
// writes its tagged wire representation.
func WriteArgument(fw *FrameWriter, im *InstanceManager, value interface{}) error {
	// Rule 1: null.
	if value == nil || isNilInterface(value) {
		return fw.WriteInt32(int32(RefNullPointer))
	}

	// Rule 2: type descriptor.
	if tt, ok := value.(TypeToken); ok {
		if err := fw.WriteInt32(int32(RefInstanceOfSystemType)); err != nil {
			return err
		}
		return fw.WriteString(tt.FullName)
	}

	// Rule 3: array of type descriptors.
	if tts, ok := value.([]TypeToken); ok {
		if err := fw.WriteInt32(int32(RefArrayOfSystemType)); err != nil {
			return err
		}
		if err := fw.WriteInt32(int32(len(tts))); err != nil {
			return err
		}
		for _, tt := range tts {
			if err := fw.WriteString(tt.FullName); err != nil {
				return err
			}
		}
		return nil
	}

	// Rule 4: network address.
	if addr, ok := asNetAddress(value); ok {
		if err := fw.WriteInt32(int32(RefIpAddress)); err != nil {
			return err
		}
		return fw.WriteString(addr)
	}

	// Rule 5: list-like container whose elements may be pass-by-reference.
	if rv := reflect.ValueOf(value); (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && containerNeedsElementRecursion(rv.Type()) {
		if err := fw.WriteInt32(int32(RefContainerType)); err != nil {
			return err
		}
		if err := fw.WriteString(rv.Type().String()); err != nil {
			return err
		}
		if err := fw.WriteString(rv.Type().Elem().String()); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := fw.WriteInt32(1); err != nil { // true: another element follows
				return err
			}
			if err := WriteArgument(fw, im, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return fw.WriteInt32(0) // false: terminator
	}

	// Rule 6: delegate.
	if del, ok := value.(Delegate); ok {
		if del.Target == nil {
			return newErr(UnsupportedOperation, nil, "delegate with nil (static) target is not remotable")
		}
		targetID := im.IdFor(del.Target, reflect.TypeOf(del.Target).String())
		delegateID := NewObjectId("goremoting.Delegate")
		if err := fw.WriteInt32(int32(RefMethodPointer)); err != nil {
			return err
		}
		if err := fw.WriteString(string(targetID)); err != nil {
			return err
		}
		if err := fw.WriteString(string(delegateID)); err != nil {
			return err
		}
		if err := fw.WriteString(reflect.TypeOf(del.Target).String()); err != nil {
			return err
		}
		return fw.WriteInt32(methodToken(del.MethodName))
	}

	// Rule 7: already a remote proxy.
	if ph, ok := value.(*proxyHandle); ok {
		if err := fw.WriteInt32(int32(RefRemoteReference)); err != nil {
			return err
		}
		if err := fw.WriteString(string(ph.id)); err != nil {
			return err
		}
		return fw.WriteString("") // empty type name: "you already know it"
	}

	// Rules 8/9: serializable-by-value vs. pass-by-reference marker.
	if _, remotable := value.(Remotable); !remotable {
		if b, err := serializeValue(value); err == nil {
			if err := fw.WriteInt32(int32(RefSerializedItem)); err != nil {
				return err
			}
			return fw.WriteBytes(b)
		}
	}

	if _, remotable := value.(Remotable); remotable {
		id := im.IdFor(value, reflect.TypeOf(value).String())
		if err := fw.WriteInt32(int32(RefRemoteReference)); err != nil {
			return err
		}
		if err := fw.WriteString(string(id)); err != nil {
			return err
		}
		return fw.WriteString(reflect.TypeOf(value).String())
	}

	// Rule 10.
	return newErr(SerializationFailure, nil, "value of type %T is neither serializable nor pass-by-reference", value)
}

// ReadArgument is WriteArgument's dual, total over the tag set. staticType,
// when known (a declared parameter type), guides proxy synthesis (§4.3's
// proxy synthesis rules); it may be nil for dynamically-typed call sites.
func ReadArgument(fr *FrameReader, im *InstanceManager, interceptor *ClientInterceptor, staticType reflect.Type) (interface{}, error) {
	tag, err := fr.ReadRefType()
	if err != nil {
		return nil, err
	}
	switch tag {
	case RefNullPointer:
		return nil, nil

	case RefInstanceOfSystemType:
		name, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		return TypeToken{FullName: name}, nil

	case RefArrayOfSystemType:
		n, err := fr.ReadInt32()
		if err != nil {
			return nil, err
		}
		out := make([]TypeToken, n)
		for i := range out {
			name, err := fr.ReadString()
			if err != nil {
				return nil, err
			}
			out[i] = TypeToken{FullName: name}
		}
		return out, nil

	case RefIpAddress:
		text, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		return net.ParseIP(text), nil

	case RefContainerType:
		containerTypeName, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		_ = containerTypeName // informational only: Go reconstructs as []interface{}
		if _, err := fr.ReadString(); err != nil { // elementTypeName
			return nil, err
		}
		var out []interface{}
		for {
			more, err := fr.ReadInt32()
			if err != nil {
				return nil, err
			}
			if more == 0 {
				break
			}
			elem, err := ReadArgument(fr, im, interceptor, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil

	case RefMethodPointer:
		targetObjectID, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		delegateObjectID, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		declaringTypeName, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		token, err := fr.ReadInt32()
		if err != nil {
			return nil, err
		}
		_ = declaringTypeName
		return &delegateSink{
			id:             ObjectId(delegateObjectID),
			targetObjectID: ObjectId(targetObjectID),
			targetMethod:   tokenToName(token),
			interceptor:    interceptor,
		}, nil

	case RefRemoteReference:
		id, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		typeName, err := fr.ReadString()
		if err != nil {
			return nil, err
		}
		objID := ObjectId(id)
		if existing, ok := im.TryGet(objID); ok {
			return existing, nil
		}
		if objID.IsLocal() {
			return nil, newErr(ProtocolError, nil, "peer named local id %s with no matching instance: invented id", objID)
		}
		return newProxyHandle(im, interceptor, objID, typeName, staticType), nil

	case RefSerializedItem:
		b, err := fr.ReadBytes()
		if err != nil {
			return nil, err
		}
		if staticType != nil {
			target := reflect.New(staticType)
			if err := deserializeValue(im, interceptor, b, target.Interface()); err != nil {
				return nil, err
			}
			return target.Elem().Interface(), nil
		}
		var out interface{}
		if err := deserializeValue(im, interceptor, b, &out); err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, newErr(ProtocolError, nil, "unhandled RemotingReferenceType %s", tag)
	}
}

func isNilInterface(v interface{}) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func asNetAddress(value interface{}) (string, bool) {
	switch v := value.(type) {
	case net.IP:
		return v.String(), true
	case net.Addr:
		return v.String(), true
	}
	return "", false
}

// containerNeedsElementRecursion reports whether a slice/array's element
// type might carry pass-by-reference values, per rule 5 — in which case it
// travels as a ContainerType frame with per-element recursion rather than
// being handed whole to the value serializer under rule 8.
func containerNeedsElementRecursion(elemContainerType reflect.Type) bool {
	elem := elemContainerType.Elem()
	if elem.Kind() == reflect.Interface {
		return true
	}
	if elem == reflect.TypeOf((*proxyHandle)(nil)) {
		return true
	}
	return elem.Implements(reflect.TypeOf((*Remotable)(nil)).Elem())
}

// methodNamesByToken is populated by the dispatcher as it resolves each
// declaring type's method set, so a later MethodPointer referencing the same
// token within this process can be turned back into a name. Tokens are an
// fnv32a hash of the name, so collisions across unrelated methods are
// possible in principle but not a concern at the method-set sizes this
// runtime deals with.
var methodNamesByToken sync.Map // int32 -> string

func registerMethodToken(name string) int32 {
	tok := methodToken(name)
	methodNamesByToken.Store(tok, name)
	return tok
}

func tokenToName(tok int32) string {
	if name, ok := methodNamesByToken.Load(tok); ok {
		return name.(string)
	}
	return ""
}
