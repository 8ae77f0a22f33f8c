package pipe

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// capturePipe records every frame delivered to it from either direction.
type capturePipe struct {
	Stage
	mu     sync.Mutex
	frames [][]byte
	delay  time.Duration
}

func newCapturePipe(name string) *capturePipe {
	return &capturePipe{Stage: NewStage(name)}
}

func (c *capturePipe) record(buf []byte) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.mu.Lock()
	c.frames = append(c.frames, cp)
	c.mu.Unlock()
	return nil
}

func (c *capturePipe) OnFrameFromPrev(buf []byte) error { return c.record(buf) }
func (c *capturePipe) OnFrameFromNext(buf []byte) error { return c.record(buf) }

func (c *capturePipe) numFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestDetachedStageIsNotReady(t *testing.T) {
	a := newCapturePipe("a")
	if err := a.InvokeNext([]byte("x")); !errors.Is(err, ErrNotYetReady) {
		t.Fatalf("got %v, want ErrNotYetReady", err)
	}
	if err := a.InvokePrev([]byte("x")); !errors.Is(err, ErrNotYetReady) {
		t.Fatalf("got %v, want ErrNotYetReady", err)
	}
}

func TestAttachDeliversBothDirections(t *testing.T) {
	a := newCapturePipe("a")
	b := newCapturePipe("b")
	Attach(b, a)

	if err := a.InvokeNext([]byte("toward network")); err != nil {
		t.Fatal(err)
	}
	if b.numFrames() != 1 {
		t.Fatalf("b frames: %d", b.numFrames())
	}
	if err := b.InvokePrev([]byte("toward tunnel")); err != nil {
		t.Fatal(err)
	}
	if a.numFrames() != 1 {
		t.Fatalf("a frames: %d", a.numFrames())
	}

	Detach(b)
	if err := a.InvokeNext([]byte("x")); !errors.Is(err, ErrNotYetReady) {
		t.Fatalf("after detach: got %v, want ErrNotYetReady", err)
	}
}

func TestDetachDrainsInFlightDelivery(t *testing.T) {
	a := newCapturePipe("a")
	b := newCapturePipe("b")
	b.delay = 100 * time.Millisecond
	Attach(b, a)

	started := make(chan struct{})
	delivered := make(chan error, 1)
	go func() {
		close(started)
		delivered <- a.InvokeNext([]byte("slow"))
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the delivery enter the handler

	detachDone := make(chan struct{})
	go func() {
		Detach(b)
		close(detachDone)
	}()

	select {
	case <-detachDone:
		t.Fatal("detach returned while a delivery was in flight")
	case <-time.After(40 * time.Millisecond):
	}

	if err := <-delivered; err != nil {
		t.Fatal(err)
	}
	select {
	case <-detachDone:
	case <-time.After(time.Second):
		t.Fatal("detach did not complete after the delivery drained")
	}
	if b.numFrames() != 1 {
		t.Fatalf("b frames: %d", b.numFrames())
	}
}

func TestAttachPanicsWhenOccupied(t *testing.T) {
	a := newCapturePipe("a")
	b := newCapturePipe("b")
	c := newCapturePipe("c")
	Attach(b, a)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic attaching over an occupied edge")
		}
	}()
	Attach(c, a)
}
