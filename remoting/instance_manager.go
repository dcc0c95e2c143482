package remoting

import (
	"sync"
	"weak"
)

// InstanceInfo is the registry entry for one ObjectId. Exactly one of
// hardRef/weakRef is populated: hardRef for a local original (invariant 2:
// the owning process always holds a strong reference so the peer's proxies
// stay resolvable), weakRef for a proxy standing in for a remote original
// (invariant 3: reclaimable once user code drops the proxy).
type InstanceInfo struct {
	Identifier ObjectId
	TypeName   string

	hardRef interface{}
	weakRef weak.Pointer[proxyHandle]
	isWeak  bool
}

// Released reports whether this entry's target is gone: for a weak entry,
// once the proxyHandle it named has been collected.
func (ii *InstanceInfo) Released() bool {
	if !ii.isWeak {
		return ii.hardRef == nil
	}
	return ii.weakRef.Value() == nil
}

// InstanceManager is the per-connection (or process-wide, for the embedded
// server) registry mapping ObjectId to the real object or proxy standing in
// for it. Backed by sync.Map for the concurrent, weakly-consistent iteration
// the distributed-GC sweep requires (spec invariant: sweeping must be safe
// concurrently with marshalling).
type InstanceManager struct {
	Logger

	own InstanceIdentifier

	byID   sync.Map // ObjectId -> *InstanceInfo
	byRef  sync.Map // interface{} (hard ref) -> ObjectId, for TryGetId's reverse lookup
	length int64
}

// NewInstanceManager creates an InstanceManager for a connection whose own
// InstanceIdentifier (used to classify incoming ids as local/remote) is own.
func NewInstanceManager(logger Logger, own InstanceIdentifier) *InstanceManager {
	return &InstanceManager{
		Logger: logger.Fork("InstanceManager"),
		own:    own,
	}
}

// IdFor allocates (or returns the existing) ObjectId for a local object,
// recording a hard reference. typeFullName is only used when minting a new
// id; an existing entry's recorded type name wins.
func (m *InstanceManager) IdFor(obj interface{}, typeFullName string) ObjectId {
	if id, ok := m.byRef.Load(obj); ok {
		return id.(ObjectId)
	}
	id := NewObjectId(typeFullName)
	ii := &InstanceInfo{Identifier: id, TypeName: typeFullName, hardRef: obj}
	if actual, loaded := m.byRef.LoadOrStore(obj, id); loaded {
		// Lost the race: someone else minted an id for the same object first.
		return actual.(ObjectId)
	}
	m.byID.Store(id, ii)
	m.length++
	return id
}

// TryGet looks up the live object or proxy for id, returning (nil, false) if
// released or unknown.
func (m *InstanceManager) TryGet(id ObjectId) (interface{}, bool) {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, false
	}
	ii := v.(*InstanceInfo)
	if ii.isWeak {
		p := ii.weakRef.Value()
		if p == nil {
			return nil, false
		}
		return p, true
	}
	if ii.hardRef == nil {
		return nil, false
	}
	return ii.hardRef, true
}

// TryGetId reverse-looks-up id by reference equality, as required for
// message-handler rule 7 ("already a remote proxy") and for re-marshalling a
// local original that has already been exposed once.
func (m *InstanceManager) TryGetId(obj interface{}) (ObjectId, bool) {
	if ph, ok := obj.(*proxyHandle); ok {
		// Proxies are not indexed in byRef, which would hold them strongly.
		if cur, ok := m.TryGet(ph.id); ok && cur == interface{}(ph) {
			return ph.id, true
		}
		return "", false
	}
	v, ok := m.byRef.Load(obj)
	if !ok {
		return "", false
	}
	return v.(ObjectId), true
}

// AddOrReplace idempotently inserts obj under id, choosing hard- or
// weak-holding per invariants 2/3 based on whether id is local to own.
func (m *InstanceManager) AddOrReplace(obj interface{}, id ObjectId, typeFullName string) {
	ii := &InstanceInfo{Identifier: id, TypeName: typeFullName}
	if id.IsLocalTo(m.own) {
		ii.hardRef = obj
		m.byRef.Store(obj, id)
	} else {
		ii.isWeak = true
		ph, ok := obj.(*proxyHandle)
		if !ok {
			m.Panicf("AddOrReplace: remote-owned id %s given non-proxy value %T", id, obj)
		}
		ii.weakRef = weak.Make(ph)
	}
	if _, loaded := m.byID.LoadOrStore(id, ii); !loaded {
		m.length++
	} else {
		m.byID.Store(id, ii)
	}
}

// Remove drops id's entry, as happens when an inbound GcCleanup names an id
// this side owns locally.
func (m *InstanceManager) Remove(id ObjectId) {
	if v, ok := m.byID.LoadAndDelete(id); ok {
		ii := v.(*InstanceInfo)
		if ii.hardRef != nil {
			m.byRef.Delete(ii.hardRef)
		}
		m.length--
	}
}

// Len returns the current number of tracked entries (an approximate count
// under concurrent mutation, fine for status reporting).
func (m *InstanceManager) Len() int64 {
	return m.length
}

// Sweep scans all entries; for each released weak entry it encounters, it
// appends the id to the returned slice and drops the entry locally. The
// caller is responsible for framing the ids into a single outgoing
// GcCleanup frame (see dispatcher.go / interceptor.go).
//
// Iteration is the weakly-consistent kind sync.Map promises: entries added
// concurrently with the sweep may or may not be observed, which the spec
// explicitly allows.
func (m *InstanceManager) Sweep() []ObjectId {
	var released []ObjectId
	m.byID.Range(func(k, v interface{}) bool {
		id := k.(ObjectId)
		ii := v.(*InstanceInfo)
		if ii.isWeak && ii.Released() {
			released = append(released, id)
			m.byID.Delete(id)
			m.length--
		}
		return true
	})
	return released
}
