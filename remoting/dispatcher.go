package remoting

import (
	"context"
	"reflect"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type methodCacheKey struct {
	declaringType reflect.Type
	token         int32
}

// ServerDispatcher is the per-stream invocation receiver (spec §4.5): reads
// requests, resolves the target instance and method, invokes on a worker
// goroutine (never the reader, so a reentrant callback over the reverse
// channel cannot deadlock it), and writes back a reply or exception.
// Grounded on ssh_session.go's per-request `go s.handleSSHNewChannel(...)`
// spawn.
type ServerDispatcher struct {
	ShutdownHelper

	conn StreamConn
	fw   *FrameWriter
	fr   *FrameReader
	im   *InstanceManager

	writeMu sync.Mutex

	methodCache *lru.Cache[methodCacheKey, reflect.Method]

	delegates     *DelegateRegistry
	delegatesLock sync.Mutex

	// ReverseChannelWaiter is consulted inline on an OpenReverseChannel
	// control frame (bootstrap.go implements it).
	ReverseChannelWaiter ReverseChannelWaiter

	// CallbackInterceptor is the ClientInterceptor for calls back toward the
	// peer: on the acceptor side, the one bound to the session's reverse
	// channel once OpenReverseChannel has completed; on the initiator's
	// reverse-channel dispatcher, the primary channel's interceptor (see
	// DialClient). Proxies synthesized while decoding a request's arguments
	// (for objects the peer is passing back pass-by-reference) are bound to
	// it, so invoking them later turns into an outgoing call to the peer
	// rather than a dangling handle.
	callbackInterceptorLock sync.RWMutex
	CallbackInterceptor     *ClientInterceptor

	// OnShutdownServer, when non-nil, is called inline on a ShutdownServer
	// control frame (e.g. to cancel a process-wide termination context).
	OnShutdownServer func()

	// Types resolves CreateInstance/CreateInstanceWithDefaultCtor requests
	// (spec §4.4's ManualInvocation constructor path). Nil means this side
	// exposes no remotely-constructible types.
	Types *TypeRegistry

	// Services resolves RequestServiceReference requests (spec §4.4's
	// ManualInvocation service-reference path, §9 "Global state"). Nil means
	// this side exposes no well-known services.
	Services *ServiceContainer
}

func (d *ServerDispatcher) getCallbackInterceptor() *ClientInterceptor {
	d.callbackInterceptorLock.RLock()
	defer d.callbackInterceptorLock.RUnlock()
	return d.CallbackInterceptor
}

func (d *ServerDispatcher) setCallbackInterceptor(ci *ClientInterceptor) {
	d.callbackInterceptorLock.Lock()
	defer d.callbackInterceptorLock.Unlock()
	d.CallbackInterceptor = ci
}

// ReverseChannelWaiter lets the dispatcher block on an OpenReverseChannel
// request without itself knowing about the bootstrap accept loop.
type ReverseChannelWaiter interface {
	// WaitReverseChannel blocks until the reverse socket matching
	// connectionIdentifier has been accepted, then returns a ready
	// ClientInterceptor bound to it (for the callback path).
	WaitReverseChannel(connectionIdentifier uint32) (*ClientInterceptor, error)
}

// NewServerDispatcher wraps conn and starts its read/dispatch loop.
func NewServerDispatcher(logger Logger, conn StreamConn, im *InstanceManager) *ServerDispatcher {
	cache, err := lru.New[methodCacheKey, reflect.Method](512)
	if err != nil {
		// Only fails for a non-positive size, which 512 never is.
		panic(err)
	}
	d := &ServerDispatcher{
		conn:        conn,
		fw:          NewFrameWriter(conn),
		fr:          NewFrameReader(conn),
		im:          im,
		methodCache: cache,
		delegates:   NewDelegateRegistry(),
	}
	d.InitShutdownHelper(logger.Fork("ServerDispatcher"), d)
	go d.readLoop()
	return d
}

func (d *ServerDispatcher) HandleOnceShutdown(completionErr error) error {
	err := d.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (d *ServerDispatcher) readLoop() {
	for {
		h, err := d.fr.ReadHeader()
		if err != nil {
			d.StartShutdown(newErr(ConnectionLost, err, "dispatcher reader: header read failed"))
			return
		}

		if h.Function.IsControl() {
			if err := d.handleControl(h); err != nil {
				d.StartShutdown(err)
				return
			}
			continue
		}

		req, err := d.readRequest(h)
		if err != nil {
			d.StartShutdown(err)
			return
		}
		go d.dispatch(req)
	}
}

// request is everything decoded off the wire for one MethodCall/
// CreateInstance/... before dispatch, so decoding (which must happen
// in-order on the reader) is separated from invocation (which must not
// block the reader).
type request struct {
	header            Header
	instanceID        ObjectId
	declaringTypeName string
	methodToken       int32
	genericArgNames   []string
	args              []interface{}
}

func (d *ServerDispatcher) readRequest(h Header) (*request, error) {
	instanceID, err := d.fr.ReadString()
	if err != nil {
		return nil, err
	}
	declaringType, err := d.fr.ReadString()
	if err != nil {
		return nil, err
	}
	token, err := d.fr.ReadInt32()
	if err != nil {
		return nil, err
	}
	nGeneric, err := d.fr.ReadInt32()
	if err != nil {
		return nil, err
	}
	generics := make([]string, nGeneric)
	for i := range generics {
		if generics[i], err = d.fr.ReadString(); err != nil {
			return nil, err
		}
	}
	nArgs, err := d.fr.ReadInt32()
	if err != nil {
		return nil, err
	}

	// Resolve the target method's real parameter types before decoding, when
	// possible, so each argument decodes against its actual Go type (e.g. an
	// int parameter decodes as int, not CBOR's default numeric type) rather
	// than landing in invoke() as a loosely-typed value that reflect.Value.Call
	// would panic on. Only applies to a plain MethodCall against an
	// already-registered instance; the ManualInvocation shapes (CreateInstance
	// et al.) have no existing receiver to resolve a method signature from, so
	// their arguments decode generically, same as before.
	var paramTypes []reflect.Type
	if h.Function == FuncMethodCall {
		if target, ok := d.im.TryGet(ObjectId(instanceID)); ok {
			if _, isSink := target.(*delegateSink); !isSink {
				if method, ok := d.lookupMethod(target, token); ok && method.Type.NumIn()-1 == int(nArgs) {
					paramTypes = make([]reflect.Type, nArgs)
					for i := range paramTypes {
						paramTypes[i] = method.Type.In(i + 1)
					}
				}
			}
		}
	}

	args := make([]interface{}, nArgs)
	callbackInterceptor := d.getCallbackInterceptor()
	for i := range args {
		var staticType reflect.Type
		if paramTypes != nil {
			staticType = paramTypes[i]
		}
		if args[i], err = ReadArgument(d.fr, d.im, callbackInterceptor, staticType); err != nil {
			return nil, err
		}
	}
	return &request{
		header:            h,
		instanceID:        ObjectId(instanceID),
		declaringTypeName: declaringType,
		methodToken:       token,
		genericArgNames:   generics,
		args:              args,
	}, nil
}

// lookupMethod resolves methodToken against target's runtime type, consulting
// and populating the method-token LRU either way. Shared by readRequest
// (to learn each argument's real parameter type before decoding) and invoke
// (to actually call it).
func (d *ServerDispatcher) lookupMethod(target interface{}, methodToken int32) (reflect.Method, bool) {
	rv := reflect.ValueOf(target)
	key := methodCacheKey{declaringType: rv.Type(), token: methodToken}
	if m, ok := d.methodCache.Get(key); ok {
		return m, true
	}
	methodName := tokenToName(methodToken)
	if methodName == "" {
		// Learn target's method set, so tokens minted by a peer process
		// resolve here too.
		t := rv.Type()
		for i := 0; i < t.NumMethod(); i++ {
			registerMethodToken(t.Method(i).Name)
		}
		methodName = tokenToName(methodToken)
	}
	if methodName == "" {
		return reflect.Method{}, false
	}
	m, found := rv.Type().MethodByName(methodName)
	if !found {
		return reflect.Method{}, false
	}
	d.methodCache.Add(key, m)
	return m, true
}

// dispatch resolves and invokes req's target, then writes the reply. Runs on
// its own goroutine, off the reader. The three ManualInvocation shapes of
// spec §3/§4.4 (constructor-args, default-ctor, service-reference) never
// target an existing instance, so they are resolved against Types/Services
// instead of im.TryGet, and their result is always written back as a fresh
// RemoteReference — the point of calling them is to hand the caller a new
// proxy, not a by-value copy.
func (d *ServerDispatcher) dispatch(req *request) {
	defer func() {
		if r := recover(); r != nil {
			d.ELogf("recovered from panic dispatching %s on %s: %v", req.header.Function, req.instanceID, r)
			d.writeException(req.header.Sequence, newErr(ProtocolError, nil, "internal dispatch error: %v", r))
		}
	}()
	switch req.header.Function {
	case FuncCreateInstance:
		obj, err := d.resolveCreateInstance(req)
		d.replyWithNewInstance(req.header.Sequence, obj, req.declaringTypeName, err)
	case FuncCreateInstanceWithDefaultCtor:
		obj, err := d.resolveCreateInstanceDefault(req)
		d.replyWithNewInstance(req.header.Sequence, obj, req.declaringTypeName, err)
	case FuncRequestServiceReference:
		obj, err := d.resolveServiceReference(req)
		d.replyWithNewInstance(req.header.Sequence, obj, req.declaringTypeName, err)
	default:
		result, refArgs, err := d.invoke(req)
		if err != nil {
			d.writeException(req.header.Sequence, err)
			return
		}
		if writeErr := d.writeReply(req.header.Sequence, result, refArgs); writeErr != nil {
			// Return type failed to serialize: writeReply has discarded the
			// unflushed partial reply, so the failure goes out as an exception
			// on a fresh frame instead. Bytes already flushed because the reply
			// outgrew the write buffer cannot be taken back.
			d.writeException(req.header.Sequence, writeErr)
		}
	}
}

func (d *ServerDispatcher) resolveCreateInstance(req *request) (interface{}, error) {
	if d.Types == nil {
		return nil, newErr(ProxyManagementError, nil, "no type registry configured for CreateInstance")
	}
	return d.Types.Create(req.declaringTypeName, req.args)
}

func (d *ServerDispatcher) resolveCreateInstanceDefault(req *request) (interface{}, error) {
	if d.Types == nil {
		return nil, newErr(ProxyManagementError, nil, "no type registry configured for CreateInstanceWithDefaultCtor")
	}
	return d.Types.CreateDefault(req.declaringTypeName)
}

func (d *ServerDispatcher) resolveServiceReference(req *request) (interface{}, error) {
	if d.Services == nil {
		return nil, newErr(ProxyManagementError, nil, "no service container configured for RequestServiceReference")
	}
	svc, ok := d.Services.Lookup(req.declaringTypeName)
	if !ok {
		return nil, newErr(ProxyManagementError, nil, "no well-known service registered for %s", req.declaringTypeName)
	}
	return svc, nil
}

// replyWithNewInstance writes obj back as a RemoteReference under a freshly
// minted (or, for a service, idempotently reused) ObjectId, regardless of
// whether obj's type carries the Remotable marker — every ManualInvocation
// result is pass-by-reference by construction.
func (d *ServerDispatcher) replyWithNewInstance(seq uint32, obj interface{}, typeFullName string, err error) {
	if err != nil {
		d.writeException(seq, err)
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.fw.WriteHeader(Header{Function: FuncMethodReply, Sequence: seq}); err != nil {
		d.ELogf("failed to write instance reply header: %s", err)
		return
	}
	id := d.im.IdFor(obj, typeFullName)
	if err := d.fw.WriteInt32(int32(RefRemoteReference)); err != nil {
		d.ELogf("failed to write instance reply tag: %s", err)
		return
	}
	if err := d.fw.WriteString(string(id)); err != nil {
		d.ELogf("failed to write instance reply id: %s", err)
		return
	}
	if err := d.fw.WriteString(typeFullName); err != nil {
		d.ELogf("failed to write instance reply type name: %s", err)
		return
	}
	if err := d.fw.Flush(); err != nil {
		d.ELogf("failed to flush instance reply: %s", err)
	}
}

// invoke resolves and calls req's target method by reflection, returning its
// result plus the post-call values of any pointer-typed ("ref"/"out")
// arguments — Go's idiom for the spec's ref/out parameters, since Go has no
// dedicated calling convention for them.
func (d *ServerDispatcher) invoke(req *request) (interface{}, []interface{}, error) {
	target, ok := d.im.TryGet(req.instanceID)
	if !ok {
		return nil, nil, newErr(ProxyManagementError, nil, "no instance registered for %s", req.instanceID)
	}

	methodName := tokenToName(req.methodToken)
	if methodName == "" {
		return nil, nil, newErr(ProtocolError, nil, "unknown method token %d for %s", req.methodToken, req.declaringTypeName)
	}

	if sink, ok := target.(*delegateSink); ok {
		// Server-side method invocation rule for delegate targets (§4.5):
		// invoke through the sink rather than looking up a method on it.
		return nil, nil, sink.Invoke(context.Background(), req.args)
	}

	if handled, result, err := d.tryHandleEventRegistration(req, methodName); handled {
		return result, nil, err
	}

	rv := reflect.ValueOf(target)
	method, ok := d.lookupMethod(target, req.methodToken)
	if !ok {
		return nil, nil, newErr(UnsupportedOperation, nil, "%s has no method %s", rv.Type(), methodName)
	}

	in := make([]reflect.Value, len(req.args)+1)
	in[0] = rv
	var refIdxs []int
	for i, a := range req.args {
		paramType := method.Type.In(i + 1)
		if paramType.Kind() == reflect.Ptr {
			refIdxs = append(refIdxs, i)
		}
		if a == nil {
			in[i+1] = reflect.New(paramType).Elem()
			continue
		}
		av := reflect.ValueOf(a)
		// readRequest decodes each argument against this same method's real
		// parameter type (resolved before decode), so av.Type() normally
		// already equals paramType; this is a defensive conversion for the
		// rare case decode had to fall back to a generic type (e.g. the
		// instance did not exist yet when readRequest ran its lookahead).
		if av.Type() != paramType {
			if av.Type().ConvertibleTo(paramType) {
				av = av.Convert(paramType)
			} else {
				return nil, nil, newErr(ProtocolError, nil,
					"argument %d for %s.%s decoded as %s, not assignable to %s", i, rv.Type(), methodName, av.Type(), paramType)
			}
		}
		in[i+1] = av
	}

	out := method.Func.Call(in)

	var refArgs []interface{}
	for _, i := range refIdxs {
		refArgs = append(refArgs, in[i+1].Interface())
	}

	if len(out) == 0 {
		return nil, refArgs, nil
	}
	// Unwrap one level of wrapped invocation exception, if the method's
	// last return value is a non-nil error.
	last := out[len(out)-1]
	if last.Type() == reflect.TypeOf((*error)(nil)).Elem() && !last.IsNil() {
		return nil, nil, last.Interface().(error)
	}
	return out[0].Interface(), refArgs, nil
}

func (d *ServerDispatcher) writeReply(seq uint32, result interface{}, refArgs []interface{}) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.fw.WriteHeader(Header{Function: FuncMethodReply, Sequence: seq}); err != nil {
		return err
	}
	if err := WriteArgument(d.fw, d.im, result); err != nil {
		d.fw.w.Reset(d.conn) // drop the unflushed partial reply
		return err
	}
	for _, ra := range refArgs {
		if err := WriteArgument(d.fw, d.im, ra); err != nil {
			d.fw.w.Reset(d.conn) // drop the unflushed partial reply
			return err
		}
	}
	return d.fw.Flush()
}

// tryHandleEventRegistration intercepts add_X/remove_X calls (spec §3's
// delegate registration entry) before generic reflection dispatch, since
// these are handled by the DelegateRegistry rather than by invoking a method
// named "add_X" on the target. handled is false for any other method name,
// in which case the caller should fall through to normal dispatch.
func (d *ServerDispatcher) tryHandleEventRegistration(req *request, methodName string) (handled bool, result interface{}, err error) {
	var isAdd bool
	var eventName string
	switch {
	case strings.HasPrefix(methodName, "add_"):
		isAdd, eventName = true, strings.TrimPrefix(methodName, "add_")
	case strings.HasPrefix(methodName, "remove_"):
		isAdd, eventName = false, strings.TrimPrefix(methodName, "remove_")
	default:
		return false, nil, nil
	}
	if len(req.args) != 1 {
		return false, nil, nil
	}
	sink, ok := req.args[0].(*delegateSink)
	if !ok {
		return false, nil, nil
	}

	key := delegateKey(req.instanceID.Identifier(), eventName)
	d.delegatesLock.Lock()
	defer d.delegatesLock.Unlock()
	if isAdd {
		d.delegates.Add(key, sink)
	} else {
		d.delegates.Remove(key) // no-op if already removed, per spec's testable property
	}
	return true, nil, nil
}

func (d *ServerDispatcher) writeException(seq uint32, invocationErr error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	b, err := serializeValue(invocationErr.Error())
	if err != nil {
		// Serializing the error message itself failed; nothing more to do
		// but log it, the caller will see ConnectionLost when this stream
		// eventually closes.
		d.ELogf("failed to serialize exception payload: %s", err)
		return
	}
	if err := d.fw.WriteHeader(Header{Function: FuncExceptionReturn, Sequence: seq}); err != nil {
		d.ELogf("failed to write exception header: %s", err)
		return
	}
	if err := d.fw.WriteBytes(b); err != nil {
		d.ELogf("failed to write exception payload: %s", err)
		return
	}
	if err := d.fw.Flush(); err != nil {
		d.ELogf("failed to flush exception reply: %s", err)
	}
}

func (d *ServerDispatcher) handleControl(h Header) error {
	switch h.Function {
	case FuncOpenReverseChannel:
		return d.handleOpenReverseChannel(h)
	case FuncClientDisconnecting:
		// The frame has no body; dispose this dispatcher's callback
		// interceptor toward the disconnecting peer, if any.
		if ci := d.getCallbackInterceptor(); ci != nil {
			ci.StartShutdown(nil)
		}
		return nil
	case FuncLoadClientAssemblyIntoServer:
		_, err := d.fr.ReadString() // assembly name: best-effort, nothing to resolve in Go
		return err
	case FuncGcCleanup:
		n, err := d.fr.ReadInt32()
		if err != nil {
			return err
		}
		for i := int32(0); i < n; i++ {
			idStr, err := d.fr.ReadString()
			if err != nil {
				return err
			}
			if idStr != "" {
				d.im.Remove(ObjectId(idStr))
			}
		}
		return nil
	case FuncShutdownServer:
		if d.OnShutdownServer != nil {
			d.OnShutdownServer()
		}
		return nil
	default:
		return newErr(ProtocolError, nil, "unexpected control frame %s", h.Function)
	}
}

func (d *ServerDispatcher) handleOpenReverseChannel(h Header) error {
	if _, err := d.fr.ReadString(); err != nil { // initiatorIp
		return err
	}
	if _, err := d.fr.ReadString(); err != nil { // initiatorPort
		return err
	}
	if _, err := d.fr.ReadString(); err != nil { // initiatorInstanceId
		return err
	}
	connIdent, err := d.fr.ReadUint32()
	if err != nil {
		return err
	}
	if d.ReverseChannelWaiter == nil {
		return newErr(ProtocolError, nil, "OpenReverseChannel received but no reverse channel waiter configured")
	}
	// Blocks until bootstrap.go's accept loop has matched a pre-accepted
	// reverse socket to connIdent. Runs on the reader goroutine by design:
	// only one OpenReverseChannel is expected per connection, and blocking
	// here does not risk the reentrant-callback deadlock invocation
	// dispatch avoids (no user code runs while we wait).
	ci, err := d.ReverseChannelWaiter.WaitReverseChannel(connIdent)
	if err != nil {
		return err
	}
	d.setCallbackInterceptor(ci)
	return nil
}

// SendGcCleanup frames and writes a single GcCleanup control message naming
// ids, per C2's Sweep contract.
func (d *ServerDispatcher) SendGcCleanup(ids []ObjectId) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.fw.WriteHeader(Header{Function: FuncGcCleanup}); err != nil {
		return err
	}
	if err := d.fw.WriteInt32(int32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.fw.WriteString(string(id)); err != nil {
			return err
		}
	}
	return d.fw.Flush()
}
