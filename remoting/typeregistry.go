package remoting

import (
	"reflect"
	"sync"
)

// Ctor builds a new instance of a registered type from positional
// constructor arguments already decoded off the wire (spec §4.4's
// CreateInstance Function).
type Ctor func(args []interface{}) (interface{}, error)

// DefaultCtor builds a new instance with no arguments (spec §4.4's
// CreateInstanceWithDefaultCtor Function).
type DefaultCtor func() interface{}

type registeredType struct {
	rt       reflect.Type
	ctor     Ctor
	dfltCtor DefaultCtor
}

// TypeRegistry stands in for the source runtime's ability to instantiate any
// named type reflectively (Activator.CreateInstance(Type)). Static Go has no
// equivalent, so a process that wants to expose remotely-constructible types
// registers a constructor for each one here at startup; ManualInvocation's
// CreateInstance/CreateInstanceWithDefaultCtor requests (spec §3/§4.4) are
// resolved against it on the server dispatcher.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]registeredType
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: map[string]registeredType{}}
}

// Register installs an explicit-constructor-args entry for typeFullName.
// sample is only consulted for its reflect.Type (used by proxy synthesis to
// classify a RemoteReference's shape, see proxy.go).
func (r *TypeRegistry) Register(typeFullName string, sample interface{}, ctor Ctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.types[typeFullName]
	entry.rt = reflect.TypeOf(sample)
	entry.ctor = ctor
	r.types[typeFullName] = entry
}

// RegisterDefault installs a zero-argument constructor for typeFullName.
func (r *TypeRegistry) RegisterDefault(typeFullName string, sample interface{}, dfltCtor DefaultCtor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.types[typeFullName]
	entry.rt = reflect.TypeOf(sample)
	entry.dfltCtor = dfltCtor
	r.types[typeFullName] = entry
}

func (r *TypeRegistry) lookup(typeFullName string) (registeredType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[typeFullName]
	return rt, ok
}

// Create invokes typeFullName's registered explicit-args constructor.
func (r *TypeRegistry) Create(typeFullName string, args []interface{}) (interface{}, error) {
	rt, ok := r.lookup(typeFullName)
	if !ok || rt.ctor == nil {
		return nil, newErr(ProxyManagementError, nil, "no constructor registered for %s", typeFullName)
	}
	return rt.ctor(args)
}

// CreateDefault invokes typeFullName's registered zero-argument constructor.
func (r *TypeRegistry) CreateDefault(typeFullName string) (interface{}, error) {
	rt, ok := r.lookup(typeFullName)
	if !ok || rt.dfltCtor == nil {
		return nil, newErr(ProxyManagementError, nil, "no default constructor registered for %s", typeFullName)
	}
	return rt.dfltCtor(), nil
}

// ReflectType returns the reflect.Type registered for typeFullName, if any.
// Consulted by proxy synthesis (proxy.go) to classify a RemoteReference's
// shape for types this process also knows the Go shape of.
func (r *TypeRegistry) ReflectType(typeFullName string) (reflect.Type, bool) {
	rt, ok := r.lookup(typeFullName)
	if !ok || rt.rt == nil {
		return nil, false
	}
	return rt.rt, true
}
