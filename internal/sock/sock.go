// Package sock: the network-terminal stage of the pipe chain. It manages
// sessions and their tunnel frame streams, runs the initial identity
// exchange on every new connection, stripes outbound frames across the
// streams of the session and feeds received frames back up the chain.
package sock

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kaloianm/rural-pipe/internal/frame"
	"github.com/kaloianm/rural-pipe/internal/logging"
	"github.com/kaloianm/rural-pipe/internal/pipe"
)

// ErrInterrupted unwinds the stream tasks on shutdown.
var ErrInterrupted = errors.New("interrupted")

// errSessionRejected terminates a stream whose session cannot be admitted.
var errSessionRejected = errors.New("session rejected")

// Options carries the stage configuration of the internal compressor and
// signer pipes.
type Options struct {
	SignKey  []byte
	Compress bool
}

// streamTracker tracks one stream of a session. inUse is true while a send
// is in flight on it.
type streamTracker struct {
	stream *tunnelFrameStream

	inUse        bool
	bytesSending uint64
	bytesSent    uint64
}

// session is the runtime state shared by all streams of one client
// instance.
type session struct {
	id uuid.UUID

	mu         sync.Mutex
	cond       *sync.Cond
	nextSeqNum uint64
	streams    []*streamTracker
}

func newSession(id uuid.UUID) *session {
	s := &session{id: id, nextSeqNum: frame.InitSeqNum + 1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// send stamps the next per-session sequence number onto the closed frame and
// transmits it on the first stream not currently in use; when all are busy
// it waits for the first stream to come free and uses that one. The session
// lock is released around the blocking send.
func (sess *session) send(buf []byte) error {
	sess.mu.Lock()
	seq := sess.nextSeqNum
	sess.nextSeqNum++
	frame.SetSeqNum(buf, seq)

	var tr *streamTracker
	for _, t := range sess.streams {
		if !t.inUse {
			tr = t
			break
		}
	}
	if tr == nil {
		for len(sess.streams) > 0 && sess.streams[0].inUse {
			sess.cond.Wait()
		}
		if len(sess.streams) == 0 {
			sess.mu.Unlock()
			return pipe.ErrNotYetReady
		}
		tr = sess.streams[0]
	}
	tr.inUse = true
	tr.bytesSending += uint64(len(buf))
	sess.mu.Unlock()

	err := tr.stream.send(buf)

	sess.mu.Lock()
	tr.bytesSending -= uint64(len(buf))
	if err == nil {
		tr.bytesSent += uint64(len(buf))
	}
	tr.inUse = false
	sess.cond.Signal()
	sess.mu.Unlock()
	return err
}

// SocketProducerConsumer terminates the network side of the pipe chain.
// A non-nil clientSessionID makes it a client; a server learns the session
// from the initial exchange of the first accepted stream.
type SocketProducerConsumer struct {
	pipe.Stage

	clientSessionID *uuid.UUID
	log             *logging.Logger

	compressor *pipe.Compressor
	signer     *pipe.Signer

	interrupted atomic.Bool
	wg          sync.WaitGroup

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	// Every connection handed to AddSocket, including ones still in their
	// initial exchange, so that Close can unblock their reads.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New constructs the stage and attaches its compressor and signer in front
// of prev, then itself at the end of the chain.
func New(clientSessionID *uuid.UUID, prev pipe.Pipe, opts Options, log *logging.Logger) *SocketProducerConsumer {
	s := &SocketProducerConsumer{
		Stage:           pipe.NewStage("Socket"),
		clientSessionID: clientSessionID,
		log:             log,
		sessions:        make(map[uuid.UUID]*session),
		conns:           make(map[net.Conn]struct{}),
	}
	s.compressor = pipe.NewCompressor(opts.Compress, log)
	s.signer = pipe.NewSigner(opts.SignKey, log)
	pipe.Attach(s.compressor, prev)
	pipe.Attach(s.signer, s.compressor)
	pipe.Attach(s, s.signer)
	log.Infof("Socket producer/consumer started")
	return s
}

// Close interrupts every stream task, waits for them to unwind and detaches
// the stage chain in reverse construction order. Idempotent.
func (s *SocketProducerConsumer) Close() {
	if s.interrupted.Swap(true) {
		return
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()

	s.mu.RLock()
	if n := len(s.sessions); n != 0 {
		s.log.Errorf("%d sessions still registered at socket producer/consumer shutdown", n)
	}
	s.mu.RUnlock()

	pipe.Detach(s)
	pipe.Detach(s.signer)
	pipe.Detach(s.compressor)
	s.log.Infof("Socket producer/consumer finished")
}

// AddSocket hands an established connection to the stage, which owns it from
// here on. TCP connections get TCP_NODELAY and a send buffer of two frames;
// anything else is accepted with a warning.
func (s *SocketProducerConsumer) AddSocket(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			s.log.Warnf("Setting TCP_NODELAY on %s: %v", conn.RemoteAddr(), err)
		}
		if err := tc.SetWriteBuffer(2 * frame.MaxSize); err != nil {
			s.log.Warnf("Setting the send buffer on %s: %v", conn.RemoteAddr(), err)
		}
	} else {
		s.log.Warnf("Connection %s is not a TCP socket", conn.RemoteAddr())
	}

	s.log.Infof("Starting stream for %s", conn.RemoteAddr())
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
		}()
		s.serveStream(conn)
	}()
}

// OnFrameFromPrev sends a frame arriving from the tunnel side. With no
// session established yet the caller sees ErrNotYetReady and retries. The
// table lock is released before the blocking send so that stream removal is
// never held up by a slow or parked sender; a session emptied in the
// meantime reports ErrNotYetReady from send.
func (s *SocketProducerConsumer) OnFrameFromPrev(buf []byte) error {
	s.mu.RLock()
	var sess *session
	for _, v := range s.sessions {
		sess = v
		break
	}
	s.mu.RUnlock()

	if sess == nil {
		return pipe.ErrNotYetReady
	}
	return sess.send(buf)
}

func (s *SocketProducerConsumer) OnFrameFromNext(buf []byte) error {
	return errors.New("socket producer/consumer must be the last stage in the chain")
}

// StreamStats and SessionStats snapshot the transfer state for the control
// socket.
type StreamStats struct {
	Remote       string
	InUse        bool
	BytesSending uint64
	BytesSent    uint64
}

type SessionStats struct {
	ID      uuid.UUID
	Streams []StreamStats
}

// Stats snapshots every session and its streams.
func (s *SocketProducerConsumer) Stats() []SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionStats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ss := SessionStats{ID: sess.id}
		sess.mu.Lock()
		for _, tr := range sess.streams {
			ss.Streams = append(ss.Streams, StreamStats{
				Remote:       tr.stream.String(),
				InUse:        tr.inUse,
				BytesSending: tr.bytesSending,
				BytesSent:    tr.bytesSent,
			})
		}
		sess.mu.Unlock()
		out = append(out, ss)
	}
	return out
}

func (s *SocketProducerConsumer) serveStream(conn net.Conn) {
	st := newTunnelFrameStream(conn)

	ident, sid, err := s.initialExchange(st)
	if err != nil {
		s.log.Infof("Initial exchange with %s failed: %v", st, err)
		_ = st.close()
		return
	}
	s.log.Infof("Initial exchange with %s : %s successful", ident, sid)

	sess, tr, err := s.registerStream(sid, st)
	if err != nil {
		s.log.Errorf("Stream %s rejected: %v", st, err)
		_ = st.close()
		return
	}
	defer s.unregisterStream(sess, tr)

	s.receiveLoop(st)
}

// registerStream admits the stream into its session, creating the session on
// first contact. The server accepts a single session; a stream presenting a
// second distinct session id is fatal for that stream only.
func (s *SocketProducerConsumer) registerStream(sid uuid.UUID, st *tunnelFrameStream) (*session, *streamTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sid]
	if !ok {
		if s.clientSessionID == nil && len(s.sessions) != 0 {
			return nil, nil, fmt.Errorf("%w: %s is not the established session", errSessionRejected, sid)
		}
		sess = newSession(sid)
		s.sessions[sid] = sess
	}

	tr := &streamTracker{stream: st}
	sess.mu.Lock()
	sess.streams = append(sess.streams, tr)
	sess.mu.Unlock()
	return sess, tr, nil
}

// unregisterStream closes the stream, drops its tracker and removes the
// session once its last stream is gone.
func (s *SocketProducerConsumer) unregisterStream(sess *session, tr *streamTracker) {
	_ = tr.stream.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.mu.Lock()
	for i, t := range sess.streams {
		if t == tr {
			sess.streams = append(sess.streams[:i], sess.streams[i+1:]...)
			break
		}
	}
	empty := len(sess.streams) == 0
	sess.cond.Broadcast()
	sess.mu.Unlock()

	if empty {
		delete(s.sessions, sess.id)
		s.log.Infof("Session %s removed", sess.id)
	}
}

func (s *SocketProducerConsumer) receiveLoop(st *tunnelFrameStream) {
	for {
		if s.interrupted.Load() {
			s.log.Infof("Stream %s completed due to %v", st, ErrInterrupted)
			return
		}

		buf, err := st.receive()
		if err != nil {
			s.log.Infof("Stream %s completed due to %v", st, err)
			return
		}

		if err := s.InvokePrev(buf); err != nil {
			switch {
			case errors.Is(err, pipe.ErrSignatureMismatch), errors.Is(err, pipe.ErrDecompress):
				s.log.Debugf("Dropping frame from %s: %v", st, err)
			case errors.Is(err, pipe.ErrNotYetReady):
				// The tunnel side is attached by construction, so this only
				// happens during teardown; the frame is dropped.
				s.log.Debugf("Tunnel not yet ready; dropping frame from %s", st)
			default:
				s.log.Infof("Stream %s completed due to %v", st, err)
				return
			}
		}
	}
}

// initialExchange runs the identity handshake that opens every stream. The
// client announces its session id; the server echoes it back. The peer
// identifier is logged but not verified beyond parseability.
func (s *SocketProducerConsumer) initialExchange(st *tunnelFrameStream) (string, uuid.UUID, error) {
	buf := make([]byte, frame.MaxSize)

	if s.clientSessionID != nil {
		if err := sendIdentity(st, buf, *s.clientSessionID, frame.ClientIdentity); err != nil {
			return "", uuid.UUID{}, err
		}
		return receiveIdentity(st)
	}

	ident, sid, err := receiveIdentity(st)
	if err != nil {
		return "", uuid.UUID{}, err
	}
	if err := sendIdentity(st, buf, sid, frame.ServerIdentity); err != nil {
		return "", uuid.UUID{}, err
	}
	return ident, sid, nil
}

func sendIdentity(st *tunnelFrameStream, buf []byte, sid uuid.UUID, identity string) error {
	w, err := frame.NewWriter(buf)
	if err != nil {
		return err
	}
	var rec [frame.IdentitySize]byte
	copy(rec[:], identity)
	if err := w.Append(rec[:]); err != nil {
		return err
	}
	b := w.Close()
	frame.SetSessionID(b, sid)
	frame.SetSeqNum(b, frame.InitSeqNum)
	return st.send(b)
}

func receiveIdentity(st *tunnelFrameStream) (string, uuid.UUID, error) {
	buf, err := st.receive()
	if err != nil {
		return "", uuid.UUID{}, err
	}
	r, err := frame.NewReader(buf)
	if err != nil {
		return "", uuid.UUID{}, err
	}
	ok, err := r.Next()
	if err != nil {
		return "", uuid.UUID{}, err
	}
	if !ok {
		return "", uuid.UUID{}, fmt.Errorf("%w: initial frame carries no identity", frame.ErrBadFrame)
	}
	ident := strings.TrimRight(string(r.Data()), "\x00")
	return ident, r.SessionID(), nil
}
