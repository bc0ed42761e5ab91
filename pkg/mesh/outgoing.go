package mesh

import (
	"errors"
	"fmt"
	"sync"

	"circuitmesh/pkg/metrics"
)

var (
	ErrQueueFull    = errors.New("outgoing queue full")
	ErrDisconnected = errors.New("connection disconnected")
	ErrNotFound     = errors.New("connection not found")
	ErrIO           = errors.New("connection i/o failure")
)

type SendErrorKind int

const (
	SendFull SendErrorKind = iota + 1
	SendDisconnected
	SendIO
)

func (k SendErrorKind) String() string {
	switch k {
	case SendFull:
		return "full"
	case SendDisconnected:
		return "disconnected"
	case SendIO:
		return "io"
	default:
		return "unknown"
	}
}

// SendError is returned by Outgoing.Send. Payload is handed back untouched
// so the caller can retry or drop it.
type SendError struct {
	Kind    SendErrorKind
	Payload []byte
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("send failed (%s)", e.Kind)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *SendError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case SendFull:
		sentinel = ErrQueueFull
	case SendDisconnected:
		sentinel = ErrDisconnected
	case SendIO:
		sentinel = ErrIO
	}
	errs := []error{}
	if sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Outgoing is the send handle of one connection. It stays valid after the
// connection is removed; sends then fail with Disconnected.
type Outgoing struct {
	id      uint64
	queue   chan []byte
	done    chan struct{}
	metrics *metrics.Metrics

	mu  sync.Mutex
	err error
}

func (o *Outgoing) ConnectionID() uint64 { return o.id }

// Send enqueues payload without blocking.
func (o *Outgoing) Send(payload []byte) error {
	if err := o.writeErr(); err != nil {
		o.metrics.SendIOErrors.Inc()
		return &SendError{Kind: SendIO, Payload: payload, Err: err}
	}

	select {
	case <-o.done:
		o.metrics.SendDisconnected.Inc()
		return &SendError{Kind: SendDisconnected, Payload: payload}
	default:
	}

	select {
	case o.queue <- payload:
		return nil
	case <-o.done:
		o.metrics.SendDisconnected.Inc()
		return &SendError{Kind: SendDisconnected, Payload: payload}
	default:
		o.metrics.SendFull.Inc()
		return &SendError{Kind: SendFull, Payload: payload}
	}
}

func (o *Outgoing) setErr(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}

func (o *Outgoing) writeErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
