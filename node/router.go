// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"strings"
	"sync"

	"github.com/brypt-io/brypt-go/brypterr"
)

// Status codes used on Next.Respond; the full taxonomy lives in
// brypterr, these are the small subset the router itself assigns.
const (
	StatusOK              uint16 = 200
	StatusNoContent       uint16 = 204
	StatusBadRequest      uint16 = 400
	StatusNotFound        uint16 = 404
	StatusUpstreamFailure uint16 = 502
)

// Next is the single-use continuation a Handler invokes exactly once:
// Respond, Dispatch (fire-and-forget downstream) or Defer. Calling
// more than one of them, or more than once, is Conflict.
type Next interface {
	Respond(status uint16, payload []byte) error
	Dispatch(route string, payload []byte) error
	Defer(notice string, placeholder []byte) error
}

// Handler is the capability-set abstraction for route handlers: any
// value exposing Handle satisfies it, closures included: no abstract
// base class, no vtable requirement beyond this method.
// requestKey is the zero value for a notice that carries no correlator
// (IsRequest and IsReply both false); a handler that defers needs it to
// register its own downstream dispatch against the original slot.
type Handler interface {
	Handle(source Identifier, requestKey RequestKey, payload []byte, next Next) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(source Identifier, requestKey RequestKey, payload []byte, next Next) error

func (f HandlerFunc) Handle(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
	return f(source, requestKey, payload, next)
}

// Sink is the capability-set abstraction for anything that accepts
// raw inbound bytes ahead of parcel decode (e.g. a metrics tap or a
// raw-frame debug logger).
type Sink interface {
	Collect(context Identifier, raw []byte) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(context Identifier, raw []byte) error

func (f SinkFunc) Collect(context Identifier, raw []byte) error { return f(context, raw) }

// builtinRoutes are pre-registered and may be overridden with a
// warning rather than a Conflict error.
var builtinRoutes = map[string]bool{
	"/brypt/handshake":   true,
	"/brypt/rekey":       true,
	"/brypt/heartbeat":   true,
	"/brypt/information": true,
	"/brypt/bye":         true,
}

// Router stores one Handler per route path and dispatches inbound
// application parcels to it. The table is frozen once the owning
// Service transitions to running, after which reads are lock-free in
// spirit (the mutex is only ever read-locked post-freeze).
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Route registers handler at path. Overriding a builtin route
// succeeds with a nil error and overridden=true so the caller can log a
// warning; overriding any other existing route is Conflict.
func (r *Router) Route(path string, handler Handler) (overridden bool, err error) {
	if !strings.HasPrefix(path, "/") {
		return false, brypterr.New(brypterr.InvalidArgument, "route must begin with /")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return false, brypterr.New(brypterr.AlreadyStarted, "routes are frozen once the service is running")
	}
	_, exists := r.handlers[path]
	if exists && !builtinRoutes[path] {
		return false, brypterr.New(brypterr.Conflict, "route already registered: "+path)
	}
	r.handlers[path] = handler
	return exists, nil
}

// Freeze locks the route table against further registration, called
// when the Service transitions to running.
func (r *Router) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the handler registered for path.
func (r *Router) Lookup(path string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[path]
	return h, ok
}

// nextState enforces the single-call, single-outcome rule a Handler
// must observe, and carries the result into the caller's dispatch loop.
type nextState struct {
	mu       sync.Mutex
	resolved bool

	status     uint16
	payload    []byte
	replied    bool
	dispatched *pendingDispatch
	deferred   *pendingDefer
}

type pendingDispatch struct {
	route   string
	payload []byte
}

type pendingDefer struct {
	notice      string
	placeholder []byte
}

func newNextState() *nextState { return &nextState{} }

func (n *nextState) Respond(status uint16, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.resolved {
		return brypterr.New(brypterr.Conflict, "handler already resolved this request")
	}
	n.resolved = true
	n.replied = true
	n.status = status
	n.payload = payload
	return nil
}

func (n *nextState) Dispatch(route string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.resolved {
		return brypterr.New(brypterr.Conflict, "handler already resolved this request")
	}
	n.resolved = true
	n.dispatched = &pendingDispatch{route: route, payload: payload}
	return nil
}

func (n *nextState) Defer(notice string, placeholder []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.resolved {
		return brypterr.New(brypterr.Conflict, "handler already resolved this request")
	}
	n.resolved = true
	n.deferred = &pendingDefer{notice: notice, placeholder: placeholder}
	return nil
}

// Dispatch looks up path and invokes its handler; if no handler is
// registered the caller should reply NotFound; if the handler resolves
// nothing the caller should reply NoContent automatically.
func (r *Router) Dispatch(path string, source Identifier, requestKey RequestKey, payload []byte) (status uint16, replyPayload []byte, fireAndForget *pendingDispatch, deferral *pendingDefer, err error) {
	handler, ok := r.Lookup(path)
	if !ok {
		return StatusNotFound, nil, nil, nil, nil
	}

	n := newNextState()
	if hErr := handler.Handle(source, requestKey, payload, n); hErr != nil {
		return StatusBadRequest, []byte(hErr.Error()), nil, nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.replied:
		return n.status, n.payload, nil, nil, nil
	case n.dispatched != nil:
		return 0, nil, n.dispatched, nil, nil
	case n.deferred != nil:
		return 0, nil, nil, n.deferred, nil
	default:
		return StatusNoContent, nil, nil, nil, nil
	}
}
