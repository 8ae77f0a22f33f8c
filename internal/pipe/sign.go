package pipe

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/kaloianm/rural-pipe/internal/frame"
	"github.com/kaloianm/rural-pipe/internal/logging"
)

// ErrSignatureMismatch rejects a frame whose signature does not verify. The
// frame is dropped; the stream survives.
var ErrSignatureMismatch = errors.New("tunnel frame signature mismatch")

// Signer is the symmetric frame signing stage. Without a key it passes
// frames through with the signature field left zeroed (the reference
// profile). With a key it stamps a keyed BLAKE2b-512 MAC over the frame
// into the first 64 bytes of the signature field and verifies it on the way
// back. The MAC skips the seqNum field as well as the signature itself: the
// socket stage stamps the per-session sequence number onto the buffer after
// it has passed through here.
type Signer struct {
	Stage
	key []byte
	log *logging.Logger
}

func NewSigner(key []byte, log *logging.Logger) *Signer {
	if len(key) > 0 {
		log.Debugf("Frame signing enabled")
	}
	return &Signer{Stage: NewStage("Signing"), key: key, log: log}
}

func (s *Signer) OnFrameFromPrev(buf []byte) error {
	if len(s.key) > 0 {
		sig := frame.Signature(buf)
		for i := range sig {
			sig[i] = 0
		}
		mac := s.mac(buf)
		copy(sig, mac[:])
	}
	return s.InvokeNext(buf)
}

func (s *Signer) OnFrameFromNext(buf []byte) error {
	if len(s.key) > 0 {
		sig := frame.Signature(buf)
		var got [blake2b.Size]byte
		copy(got[:], sig)
		for i := range sig {
			sig[i] = 0
		}
		want := s.mac(buf)
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			return ErrSignatureMismatch
		}
	}
	return s.InvokePrev(buf)
}

// mac computes the keyed MAC over the frame with the seqNum and signature
// fields zeroed.
func (s *Signer) mac(buf []byte) [blake2b.Size]byte {
	h, err := blake2b.New512(s.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which config
		// validation rejects.
		panic(err)
	}
	var zeroSeq [frame.SeqNumSize]byte
	h.Write(buf[:frame.SeqNumOffset])
	h.Write(zeroSeq[:])
	h.Write(buf[frame.SeqNumOffset+frame.SeqNumSize:])
	var sum [blake2b.Size]byte
	h.Sum(sum[:0])
	return sum
}
