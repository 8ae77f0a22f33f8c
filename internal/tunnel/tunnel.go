// Package tunnel: the device-terminal stage of the pipe chain. It batches
// datagrams read from the tunnel queues into frames and spreads inbound
// frame payloads back across the queues.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaloianm/rural-pipe/internal/frame"
	"github.com/kaloianm/rural-pipe/internal/logging"
	"github.com/kaloianm/rural-pipe/internal/pipe"
)

const (
	// waitForData bounds the wait for the first datagram of a frame.
	waitForData = 5 * time.Second

	// waitForFullerBatch bounds the extra wait for more datagrams once the
	// frame holds at least one, trading at most that much latency for fewer,
	// fuller frames.
	waitForFullerBatch = 5 * time.Millisecond

	// notYetReadyRetry is the delay before re-offering a frame to a socket
	// side that has not completed its initial exchange.
	notYetReadyRetry = 5 * time.Second
)

// QueueStats are the per-queue transfer counters.
type QueueStats struct {
	BytesIn  uint64
	BytesOut uint64
}

// TunnelProducerConsumer owns the tunnel device queues. Each queue gets a
// reader goroutine pumping datagrams to a framer goroutine, which batches
// them into frames and pushes those down the chain.
type TunnelProducerConsumer struct {
	pipe.Stage

	queues []io.ReadWriteCloser
	mtu    int
	log    *logging.Logger

	seqNum     atomic.Uint64
	roundRobin atomic.Uint64

	bytesIn  []atomic.Uint64
	bytesOut []atomic.Uint64

	interrupted atomic.Bool
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New starts one pump and one framer goroutine per queue.
func New(queues []io.ReadWriteCloser, mtu int, log *logging.Logger) *TunnelProducerConsumer {
	t := &TunnelProducerConsumer{
		Stage:    pipe.NewStage("Tunnel"),
		queues:   queues,
		mtu:      mtu,
		log:      log,
		bytesIn:  make([]atomic.Uint64, len(queues)),
		bytesOut: make([]atomic.Uint64, len(queues)),
		done:     make(chan struct{}),
	}
	for i := range queues {
		log.Infof("Starting threads for tunnel queue %d", i)
		ch := make(chan []byte)
		t.wg.Add(2)
		go t.pumpLoop(i, ch)
		go t.frameLoop(i, ch)
	}
	log.Infof("Tunnel producer/consumer started")
	return t
}

// Close interrupts the queue goroutines, closes the queues to unblock their
// reads and waits for everything to unwind. Idempotent.
func (t *TunnelProducerConsumer) Close() {
	t.closeOnce.Do(func() {
		t.interrupted.Store(true)
		close(t.done)
		for _, q := range t.queues {
			_ = q.Close()
		}
		t.wg.Wait()
		t.log.Infof("Tunnel producer/consumer finished")
	})
}

// Stats snapshots the per-queue counters.
func (t *TunnelProducerConsumer) Stats() []QueueStats {
	out := make([]QueueStats, len(t.queues))
	for i := range out {
		out[i] = QueueStats{BytesIn: t.bytesIn[i].Load(), BytesOut: t.bytesOut[i].Load()}
	}
	return out
}

func (t *TunnelProducerConsumer) OnFrameFromPrev(buf []byte) error {
	return errors.New("tunnel producer/consumer must be the first stage in the chain")
}

// OnFrameFromNext unpacks an inbound frame and writes each datagram to a
// queue picked round-robin, smoothing the writes across the queues.
func (t *TunnelProducerConsumer) OnFrameFromNext(buf []byte) error {
	r, err := frame.NewReader(buf)
	if err != nil {
		return err
	}
	for {
		ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		idx := int(t.roundRobin.Add(1) % uint64(len(t.queues)))
		n, err := t.queues[idx].Write(r.Data())
		if err != nil {
			return fmt.Errorf("write datagram to tunnel queue %d: %w", idx, err)
		}
		t.bytesOut[idx].Add(uint64(n))
		if t.log.TraceEnabled() {
			t.log.Tracef("Wrote %d byte datagram to tunnel queue %d: %s", n, idx, describeDatagram(r.Data()))
		}
	}
}

// pumpLoop reads whole datagrams off one queue and hands them to the framer.
// A fresh MTU-sized buffer per datagram keeps ownership simple; the framer
// copies into the frame anyway.
func (t *TunnelProducerConsumer) pumpLoop(idx int, ch chan<- []byte) {
	defer t.wg.Done()
	defer close(ch)

	q := t.queues[idx]
	for {
		b := make([]byte, t.mtu)
		n, err := q.Read(b)
		if err != nil {
			if !t.interrupted.Load() {
				t.log.Infof("Reader for tunnel queue %d completed due to %v", idx, err)
			}
			return
		}
		select {
		case ch <- b[:n]:
		case <-t.done:
			return
		}
	}
}

// frameLoop batches datagrams from one queue into frames. A datagram which
// does not fit the open frame is carried over into the next one.
func (t *TunnelProducerConsumer) frameLoop(idx int, ch <-chan []byte) {
	defer t.wg.Done()

	buf := make([]byte, frame.MaxSize)
	timer := time.NewTimer(waitForData)
	defer timer.Stop()

	var leftover []byte
	for {
		w, err := frame.NewWriter(buf)
		if err != nil {
			panic(err)
		}
		numDatagrams := 0

	batch:
		for {
			if leftover != nil {
				if len(leftover) > w.RemainingBytes() {
					if numDatagrams == 0 {
						t.log.Warnf("Dropping %d byte datagram exceeding the frame capacity", len(leftover))
						leftover = nil
						continue
					}
					// Frame is full; the datagram goes into the next one.
					break batch
				}
				if err := w.Append(leftover); err != nil {
					panic(err)
				}
				t.bytesIn[idx].Add(uint64(len(leftover)))
				if t.log.TraceEnabled() {
					t.log.Tracef("Received %d byte datagram from tunnel queue %d: %s",
						len(leftover), idx, describeDatagram(leftover))
				}
				leftover = nil
				numDatagrams++
				continue
			}

			wait := waitForData
			if numDatagrams > 0 {
				wait = waitForFullerBatch
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)

			select {
			case d, ok := <-ch:
				if !ok {
					return
				}
				leftover = d
			case <-timer.C:
				if numDatagrams > 0 {
					break batch
				}
				// Nothing arrived at all; keep waiting on an empty frame.
			case <-t.done:
				return
			}
		}

		b := w.Close()
		frame.SetSeqNum(b, t.seqNum.Add(1)-1)
		if !t.deliver(b) {
			return
		}
	}
}

// deliver pushes a closed frame down the chain, retrying while the socket
// side is not attached yet. Returns false when interrupted.
func (t *TunnelProducerConsumer) deliver(b []byte) bool {
	for {
		err := t.InvokeNext(b)
		if err == nil {
			return true
		}
		if !errors.Is(err, pipe.ErrNotYetReady) {
			t.log.Warnf("Dropping frame of %d bytes: %v", len(b), err)
			return true
		}
		t.log.Debugf("Socket not yet ready; retrying in %v", notYetReadyRetry)
		select {
		case <-time.After(notYetReadyRetry):
		case <-t.done:
			return false
		}
	}
}
