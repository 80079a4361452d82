package ipc

import (
	"context"
	"encoding/json"
	"sync"
)

// PeerContext carries the per-connection state a handler needs:
// the credential captured at accept time, and the container id this
// connection linked to (via the "link" method), if any.
type PeerContext struct {
	Credential Ucred

	mu              sync.Mutex
	linkedContainer string
}

// Link records the container id this connection has attached to, so
// Serve can tear it down when the connection closes.
func (p *PeerContext) Link(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkedContainer = containerID
}

// LinkedContainer returns the container id set by the most recent
// Link call, or "" if none.
func (p *PeerContext) LinkedContainer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkedContainer
}

// Handler answers one method call. It receives the shared server
// state (opaque to this package — the caller type-asserts it in the
// closure that registers the method), the connection's PeerContext,
// the raw request value, and any fds the client attached to the
// request frame (spec §4.2's OOB-fd wire format — fd_import's tar
// source, exec's Forward stdio, ad-hoc mount evidence per §9). It
// returns a JSON-marshalable result value, any fds to attach to the
// response frame, and an error (which should be an *Error to control
// the response errno).
type Handler func(ctx context.Context, peer *PeerContext, value json.RawMessage, fds []int) (result any, outFds []int, err error)

// Registry is the method table of spec §4.13: a name to Handler map,
// safe for concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty method table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a method name to a handler. Re-registering a name
// overwrites the previous binding, matching the teacher's permissive
// table-building style elsewhere (e.g. devfs.Store.Intern on reuse).
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch looks up and invokes the handler for req.Method, passing
// through any fds the client attached to the request frame, and
// producing a Response envelope plus any fds to send back. An unknown
// method is reported as ENOENT, matching spec §6's "ENOENT: missing
// image/network/container" category (a method name is, in effect, a
// missing operation).
func (r *Registry) Dispatch(ctx context.Context, peer *PeerContext, req Request, fds []int) (Response, []int) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return toResponse(nil, nil, NewError(ENOENT, "ipc: unknown method %q", req.Method))
	}
	result, outFds, err := h(ctx, peer, req.Value, fds)
	if err != nil {
		return toResponse(nil, nil, err)
	}
	return toResponse(result, outFds, nil)
}

// DecodeValue is a small helper handlers use to unmarshal their
// method-specific request payload, wrapping decode failures as EINVAL
// per spec §6 ("EINVAL: malformed name, invalid mount").
func DecodeValue(value json.RawMessage, out any) error {
	if len(value) == 0 {
		return NewError(EINVAL, "ipc: missing request value")
	}
	if err := json.Unmarshal(value, out); err != nil {
		return NewError(EINVAL, "ipc: decode request: %v", err)
	}
	return nil
}
