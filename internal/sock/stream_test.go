package sock

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kaloianm/rural-pipe/internal/frame"
)

func buildFrame(t *testing.T, seq uint64, datagrams ...[]byte) []byte {
	t.Helper()
	buf := make([]byte, frame.MaxSize)
	w, err := frame.NewWriter(buf)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range datagrams {
		if err := w.Append(d); err != nil {
			t.Fatal(err)
		}
	}
	b := w.Close()
	frame.SetSeqNum(b, seq)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func TestStreamSendReceive(t *testing.T) {
	near, far := net.Pipe()
	defer far.Close()
	st := newTunnelFrameStream(near)
	defer st.close()

	sent := buildFrame(t, 1, []byte("DG1"))
	go func() {
		farStream := newTunnelFrameStream(far)
		got, err := farStream.receive()
		if err != nil {
			return
		}
		cp := make([]byte, len(got))
		copy(cp, got)
		_ = farStream.send(cp)
	}()

	if err := st.send(sent); err != nil {
		t.Fatal(err)
	}
	got, err := st.receive()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatal("frame corrupted over the stream")
	}
}

func TestStreamReceiveCoalescesPartialReads(t *testing.T) {
	near, far := net.Pipe()
	defer far.Close()
	st := newTunnelFrameStream(near)
	defer st.close()

	var records [][]byte
	for i := 0; i < 10; i++ {
		records = append(records, bytes.Repeat([]byte{byte('a' + i)}, 150))
	}
	sent := buildFrame(t, 4, records...)

	go func() {
		// Dribble the frame across several writes.
		for off := 0; off < len(sent); {
			end := off + 100
			if end > len(sent) {
				end = len(sent)
			}
			if _, err := far.Write(sent[off:end]); err != nil {
				return
			}
			off = end
			time.Sleep(time.Millisecond)
		}
	}()

	got, err := st.receive()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatal("partial reads were not coalesced")
	}
	r, err := frame.NewReader(got)
	if err != nil {
		t.Fatal(err)
	}
	for i := range records {
		ok, err := r.Next()
		if err != nil || !ok {
			t.Fatalf("record %d: %v %v", i, ok, err)
		}
		if !bytes.Equal(r.Data(), records[i]) {
			t.Fatalf("record %d corrupted", i)
		}
	}
}

func TestStreamReceiveEOFIsTerminal(t *testing.T) {
	near, far := net.Pipe()
	st := newTunnelFrameStream(near)
	defer st.close()

	go far.Close()
	if _, err := st.receive(); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("got %v, want EOF", err)
	}
}

func TestStreamReceiveRejectsBadMagic(t *testing.T) {
	near, far := net.Pipe()
	st := newTunnelFrameStream(near)
	defer st.close()
	defer far.Close()

	go far.Write([]byte{'X', 'X', 'X', 1, 200, 0})
	if _, err := st.receive(); err == nil {
		t.Fatal("expected a format error")
	}
}

func TestStreamReceiveRejectsTruncatedHeader(t *testing.T) {
	near, far := net.Pipe()
	st := newTunnelFrameStream(near)
	defer st.close()
	defer far.Close()

	// Valid header info claiming a size below the full header.
	go far.Write([]byte{'R', 'P', 'I', 1, 100, 0})
	if _, err := st.receive(); !errors.Is(err, frame.ErrBadFrame) {
		t.Fatalf("got %v, want ErrBadFrame", err)
	}
}
