// Package pipe: the bidirectional stage chain through which tunnel frames
// travel between the tunnel device side and the socket side.
package pipe

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotYetReady signals a delivery toward a neighbour which has not been
// attached yet. Producers catch it and retry after a bounded delay.
var ErrNotYetReady = errors.New("pipe not attached yet")

// Handler is implemented by every stage of the chain. OnFrameFromPrev
// receives a frame travelling toward the network, OnFrameFromNext a frame
// travelling toward the tunnel device. Both may be called from multiple
// goroutines; stages provide their own synchronisation.
type Handler interface {
	Name() string
	OnFrameFromPrev(buf []byte) error
	OnFrameFromNext(buf []byte) error
}

// Pipe is a Handler which participates in attach/detach, i.e. one that
// embeds Stage.
type Pipe interface {
	Handler
	base() *Stage
}

// notReady is the sentinel neighbour of every unattached edge.
type notReady struct{}

func (notReady) Name() string                 { return "NotReady" }
func (notReady) OnFrameFromPrev([]byte) error { return ErrNotYetReady }
func (notReady) OnFrameFromNext([]byte) error { return ErrNotYetReady }

var notReadyHandler Handler = notReady{}

// Stage carries the neighbour links of one chain member. It is embedded by
// the stage implementations and constructed through NewStage.
type Stage struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	prev     Handler
	next     Handler
	inflight int
}

// NewStage returns a detached stage; both neighbours are the not-ready
// sentinel.
func NewStage(name string) Stage {
	return Stage{name: name, prev: notReadyHandler, next: notReadyHandler}
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) base() *Stage { return s }

// The condition variable is created on first use so that Stage values can be
// embedded by composite literal and copied before their address settles.
func (s *Stage) condLocked() *sync.Cond {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	return s.cond
}

// Attach links p in front of prev (toward the network side): p.prev = prev,
// prev.next = p. Both edges must currently be detached.
func Attach(p, prev Pipe) {
	s, ps := p.base(), prev.base()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prev != notReadyHandler || s.next != notReadyHandler {
		panic(fmt.Sprintf("pipe %s is already attached", s.name))
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.next != notReadyHandler {
		panic(fmt.Sprintf("pipe %s already has a successor", ps.name))
	}
	s.prev = prev
	ps.next = p
}

// Detach unlinks p from its predecessor. It restores the sentinel under the
// predecessor's delivery gate and then drains: no new deliveries can begin
// after the swap, and Detach only returns once every in-flight call of the
// predecessor has completed.
func Detach(p Pipe) {
	s := p.base()
	s.mu.Lock()
	if s.next != notReadyHandler {
		s.mu.Unlock()
		panic(fmt.Sprintf("pipe %s is not the end of the chain", s.name))
	}
	prev, ok := s.prev.(Pipe)
	if !ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("pipe %s is not attached", s.name))
	}
	// The stage mutex cannot be held while draining: an in-flight delivery
	// may itself be parked on it inside InvokeNext/InvokePrev.
	s.mu.Unlock()

	ps := prev.base()
	ps.mu.Lock()
	ps.next = notReadyHandler
	for ps.inflight > 0 {
		ps.condLocked().Wait()
	}
	ps.mu.Unlock()

	s.mu.Lock()
	s.prev = notReadyHandler
	s.mu.Unlock()
}

// InvokeNext delivers a frame travelling toward the network to the successor
// stage.
func (s *Stage) InvokeNext(buf []byte) error {
	s.mu.Lock()
	h := s.next
	s.inflight++
	s.mu.Unlock()
	err := h.OnFrameFromPrev(buf)
	s.done()
	return err
}

// InvokePrev delivers a frame travelling toward the tunnel device to the
// predecessor stage.
func (s *Stage) InvokePrev(buf []byte) error {
	s.mu.Lock()
	h := s.prev
	s.inflight++
	s.mu.Unlock()
	err := h.OnFrameFromNext(buf)
	s.done()
	return err
}

func (s *Stage) done() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 && s.cond != nil {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}
