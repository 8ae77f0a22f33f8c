package tunnel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kaloianm/rural-pipe/internal/frame"
	"github.com/kaloianm/rural-pipe/internal/logging"
	"github.com/kaloianm/rural-pipe/internal/pipe"
)

func testLogger() *logging.Logger {
	return logging.New("error", io.Discard)
}

// capturePipe stands in for the socket side at the end of the chain.
type capturePipe struct {
	pipe.Stage
	mu     sync.Mutex
	frames [][]byte
}

func newCapturePipe() *capturePipe {
	return &capturePipe{Stage: pipe.NewStage("capture")}
}

func (c *capturePipe) OnFrameFromPrev(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.mu.Lock()
	c.frames = append(c.frames, cp)
	c.mu.Unlock()
	return nil
}

func (c *capturePipe) OnFrameFromNext(buf []byte) error {
	return errors.New("capture pipe is the last stage")
}

func (c *capturePipe) waitFrames(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([][]byte(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("got %d frames, want %d", len(c.frames), n)
	return nil
}

// newQueues builds n in-memory tunnel queues; the far conns play the role of
// the kernel side of the device.
func newQueues(n int) (local []io.ReadWriteCloser, far []net.Conn) {
	for i := 0; i < n; i++ {
		a, b := net.Pipe()
		local = append(local, a)
		far = append(far, b)
	}
	return local, far
}

func readRecords(t *testing.T, buf []byte) [][]byte {
	t.Helper()
	r, err := frame.NewReader(buf)
	if err != nil {
		t.Fatal(err)
	}
	var out [][]byte
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return out
		}
		out = append(out, append([]byte(nil), r.Data()...))
	}
}

func TestSingleQueueLoopback(t *testing.T) {
	local, far := newQueues(1)
	tpc := New(local, 1500, testLogger())
	defer tpc.Close()
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	if _, err := far[0].Write([]byte("DG1.1")); err != nil {
		t.Fatal(err)
	}

	frames := capture.waitFrames(t, 1, waitForData)
	if len(frames) != 1 {
		t.Fatalf("frames: %d", len(frames))
	}
	if seq := frame.SeqNum(frames[0]); seq != 0 {
		t.Fatalf("seq: %d", seq)
	}
	recs := readRecords(t, frames[0])
	if len(recs) != 1 || !bytes.Equal(recs[0], []byte("DG1.1")) {
		t.Fatalf("records: %q", recs)
	}
}

func TestBatchingCollectsCloseDatagrams(t *testing.T) {
	local, far := newQueues(1)
	tpc := New(local, 1500, testLogger())
	defer tpc.Close()
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	if _, err := far[0].Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	if _, err := far[0].Write([]byte("B")); err != nil {
		t.Fatal(err)
	}

	frames := capture.waitFrames(t, 1, waitForData)
	if len(frames) != 1 {
		t.Fatalf("expected one batched frame, got %d", len(frames))
	}
	recs := readRecords(t, frames[0])
	if len(recs) != 2 || !bytes.Equal(recs[0], []byte("A")) || !bytes.Equal(recs[1], []byte("B")) {
		t.Fatalf("records: %q", recs)
	}
}

func TestSequenceNumbersIncreasePerFrame(t *testing.T) {
	local, far := newQueues(1)
	tpc := New(local, 1500, testLogger())
	defer tpc.Close()
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	for i := 0; i < 3; i++ {
		if _, err := far[0].Write([]byte{byte('a' + i)}); err != nil {
			t.Fatal(err)
		}
		// Past the batching window, so each datagram gets its own frame.
		time.Sleep(3 * waitForFullerBatch)
	}

	frames := capture.waitFrames(t, 3, waitForData)
	for i, f := range frames[:3] {
		if seq := frame.SeqNum(f); seq != uint64(i) {
			t.Fatalf("frame %d seq: %d", i, seq)
		}
	}
}

func TestOversizedFrameSplitsBatch(t *testing.T) {
	// With an MTU larger than the frame payload area minus one datagram,
	// the second datagram must be carried over into the next frame.
	const mtu = 2200
	local, far := newQueues(1)
	tpc := New(local, mtu, testLogger())
	defer tpc.Close()
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	d1 := bytes.Repeat([]byte{'x'}, mtu)
	d2 := bytes.Repeat([]byte{'y'}, mtu)
	if _, err := far[0].Write(d1); err != nil {
		t.Fatal(err)
	}
	if _, err := far[0].Write(d2); err != nil {
		t.Fatal(err)
	}

	frames := capture.waitFrames(t, 2, 2*waitForData)
	recs1 := readRecords(t, frames[0])
	recs2 := readRecords(t, frames[1])
	if len(recs1) != 1 || !bytes.Equal(recs1[0], d1) {
		t.Fatalf("first frame: %d records", len(recs1))
	}
	if len(recs2) != 1 || !bytes.Equal(recs2[0], d2) {
		t.Fatalf("second frame: %d records", len(recs2))
	}
}

func TestFromNextRoundRobinsAcrossQueues(t *testing.T) {
	local, far := newQueues(2)
	tpc := New(local, 1500, testLogger())
	defer tpc.Close()
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	buf := make([]byte, frame.MaxSize)
	w, err := frame.NewWriter(buf)
	if err != nil {
		t.Fatal(err)
	}
	datagrams := [][]byte{[]byte("d0"), []byte("d1"), []byte("d2"), []byte("d3")}
	for _, d := range datagrams {
		if err := w.Append(d); err != nil {
			t.Fatal(err)
		}
	}
	b := w.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- capture.InvokePrev(b)
	}()

	var mu sync.Mutex
	perQueue := make([]int, 2)
	var got [][]byte
	var wg sync.WaitGroup
	for i, conn := range far {
		wg.Add(1)
		go func(idx int, c net.Conn) {
			defer wg.Done()
			rb := make([]byte, 1500)
			for j := 0; j < 2; j++ {
				c.SetReadDeadline(time.Now().Add(2 * time.Second))
				n, err := c.Read(rb)
				if err != nil {
					return
				}
				mu.Lock()
				perQueue[idx]++
				got = append(got, append([]byte(nil), rb[:n]...))
				mu.Unlock()
			}
		}(i, conn)
	}
	wg.Wait()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	if perQueue[0] != 2 || perQueue[1] != 2 {
		t.Fatalf("queue distribution: %v", perQueue)
	}
	if len(got) != len(datagrams) {
		t.Fatalf("datagrams written: %d", len(got))
	}
	seen := make(map[string]bool)
	for _, d := range got {
		seen[string(d)] = true
	}
	for _, d := range datagrams {
		if !seen[string(d)] {
			t.Fatalf("datagram %q missing", d)
		}
	}
}

func TestCloseUnwindsQueueReaders(t *testing.T) {
	local, _ := newQueues(2)
	tpc := New(local, 1500, testLogger())
	capture := newCapturePipe()
	pipe.Attach(capture, tpc)
	defer pipe.Detach(capture)

	done := make(chan struct{})
	go func() {
		tpc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
