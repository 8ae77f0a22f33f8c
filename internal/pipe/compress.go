package pipe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/kaloianm/rural-pipe/internal/frame"
	"github.com/kaloianm/rural-pipe/internal/logging"
)

// ErrDecompress rejects a frame whose compressed payload does not inflate.
// The frame is dropped; the stream survives.
var ErrDecompress = errors.New("tunnel frame decompression failed")

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, frame.MaxSize)
		return &b
	},
}

// Compressor is the symmetric payload compression stage. With compression
// disabled it passes frames through unchanged, which is the reference
// profile; the decode side always honours the compressed flag so that the
// two ends only need to agree on what they send.
type Compressor struct {
	Stage
	enabled bool
	log     *logging.Logger
}

func NewCompressor(enabled bool, log *logging.Logger) *Compressor {
	if enabled {
		log.Debugf("Frame compression enabled")
	}
	return &Compressor{Stage: NewStage("Compressing"), enabled: enabled, log: log}
}

func (c *Compressor) OnFrameFromPrev(buf []byte) error {
	if c.enabled {
		buf = c.compress(buf)
	}
	return c.InvokeNext(buf)
}

func (c *Compressor) OnFrameFromNext(buf []byte) error {
	if frame.Flags(buf)&frame.FlagCompressed != 0 {
		out, err := c.decompress(buf)
		if err != nil {
			return err
		}
		buf = out
	}
	return c.InvokePrev(buf)
}

// compress rewrites the payload region in place when that shrinks the frame;
// otherwise the frame travels uncompressed.
func (c *Compressor) compress(buf []byte) []byte {
	payload := buf[frame.HeaderSize:]
	if len(payload) == 0 {
		return buf
	}
	scratch := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)

	enc := s2.Encode(*scratch, payload)
	if len(enc) >= len(payload) {
		return buf
	}
	copy(buf[frame.HeaderSize:], enc)
	out := buf[:frame.HeaderSize+len(enc)]
	frame.SetFlags(out, frame.Flags(out)|frame.FlagCompressed)
	frame.SetSize(out, len(out))
	c.log.Tracef("Compressed frame payload %d -> %d bytes", len(payload), len(enc))
	return out
}

// decompress inflates the payload region back into the frame buffer, which
// both producers size at frame.MaxSize.
func (c *Compressor) decompress(buf []byte) ([]byte, error) {
	payload := buf[frame.HeaderSize:]
	scratch := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)

	dec, err := s2.Decode(*scratch, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if frame.HeaderSize+len(dec) > cap(buf) {
		return nil, fmt.Errorf("%w: %d bytes exceed the frame bound", ErrDecompress, len(dec))
	}
	out := buf[:frame.HeaderSize+len(dec)]
	copy(out[frame.HeaderSize:], dec)
	frame.SetFlags(out, frame.Flags(out)&^frame.FlagCompressed)
	frame.SetSize(out, len(out))
	return out, nil
}
