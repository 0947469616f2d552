package spill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec defines the compression algorithm applied to spilled blocks.
type Codec uint8

const (
	// CodecNone disables compression.
	CodecNone Codec = 0
	// CodecLZ4 selects LZ4 block compression (fast, good for hot spill).
	CodecLZ4 Codec = 1
	// CodecZSTD selects ZSTD block compression (better ratio, good for
	// large spill).
	CodecZSTD Codec = 2
)

// ParseCodec maps a config string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZSTD, nil
	default:
		return CodecNone, fmt.Errorf("spill: unknown codec %q", s)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Zstd coders keep internal state worth reusing, so writers and readers
// share them through pools.
var (
	zstdEncoders = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	zstdDecoders = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// Each block is framed as [rawLen uint32][packedLen uint32][payload],
// little endian. packedLen == 0 marks a raw payload of rawLen bytes.
const blockHeaderSize = 8

// shrink compresses src with the codec and reports whether the packed
// form is worth storing. Payloads that stay above 90% of the input
// size go to disk raw.
func shrink(src []byte, codec Codec) ([]byte, bool, error) {
	var packed []byte
	switch codec {
	case CodecLZ4:
		var err error
		packed, err = lz4Pack(src)
		if err != nil {
			return nil, false, err
		}
	case CodecZSTD:
		packed = zstdPack(src)
	default:
		return nil, false, nil
	}
	if packed == nil || len(packed)*10 > len(src)*9 {
		return nil, false, nil
	}
	return packed, true, nil
}

func lz4Pack(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// LZ4 reports incompressible input as a zero-length result.
		return nil, nil
	}
	return dst[:n], nil
}

func zstdPack(src []byte) []byte {
	enc := zstdEncoders.Get().(*zstd.Encoder)
	out := enc.EncodeAll(src, nil)
	zstdEncoders.Put(enc)
	return out
}

// BlockWriter frames writes into compressed blocks on an underlying
// writer.
type BlockWriter struct {
	sink      io.Writer
	codec     Codec
	blockSize int
	buf       bytes.Buffer
	written   int64
}

// NewBlockWriter creates a block writer. blockSize <= 0 selects the
// 256KB default.
func NewBlockWriter(w io.Writer, codec Codec, blockSize int) *BlockWriter {
	if blockSize <= 0 {
		blockSize = 256 * 1024
	}
	bw := &BlockWriter{sink: w, codec: codec, blockSize: blockSize}
	bw.buf.Grow(blockSize)
	return bw
}

// Write buffers p, flushing full blocks as needed.
func (w *BlockWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.buf.Len() >= w.blockSize {
			if err := w.Flush(); err != nil {
				return written, err
			}
		}
		chunk := p
		if room := w.blockSize - w.buf.Len(); len(chunk) > room {
			chunk = chunk[:room]
		}
		w.buf.Write(chunk)
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Flush compresses and writes the buffered block, if any.
func (w *BlockWriter) Flush() error {
	if w.buf.Len() == 0 {
		return nil
	}

	raw := w.buf.Bytes()
	payload, packed, err := shrink(raw, w.codec)
	if err != nil {
		return err
	}
	if !packed {
		payload = raw
	}

	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(raw)))
	if packed {
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	}
	if _, err := w.sink.Write(hdr[:]); err != nil {
		return err
	}
	w.written += blockHeaderSize

	n, err := w.sink.Write(payload)
	w.written += int64(n)
	if err != nil {
		return err
	}
	w.buf.Reset()
	return nil
}

// BytesWritten returns the total framed bytes written so far.
func (w *BlockWriter) BytesWritten() int64 {
	return w.written
}

// BlockReader iterates the blocks of a framed byte slice.
type BlockReader struct {
	data  []byte
	pos   int
	codec Codec
}

// NewBlockReader creates a reader over framed data.
func NewBlockReader(data []byte, codec Codec) *BlockReader {
	return &BlockReader{data: data, codec: codec}
}

// ReadBlock reads and decompresses the next block. io.EOF signals the
// end of the data.
func (r *BlockReader) ReadBlock() ([]byte, error) {
	rest := r.data[r.pos:]
	if len(rest) < blockHeaderSize {
		return nil, io.EOF
	}
	rawLen := int(binary.LittleEndian.Uint32(rest))
	packedLen := int(binary.LittleEndian.Uint32(rest[4:]))
	body := rest[blockHeaderSize:]

	if packedLen == 0 {
		if rawLen > len(body) {
			return nil, errors.New("spill: truncated block")
		}
		r.pos += blockHeaderSize + rawLen
		return body[:rawLen], nil
	}

	if packedLen > len(body) {
		return nil, errors.New("spill: truncated compressed block")
	}
	payload := body[:packedLen]
	dst := make([]byte, rawLen)

	switch r.codec {
	case CodecZSTD:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(payload, dst[:0])
		zstdDecoders.Put(dec)
		if err != nil {
			return nil, err
		}
		dst = out
	default:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, err
		}
		dst = dst[:n]
	}
	if len(dst) != rawLen {
		return nil, errors.New("spill: block length mismatch after decompress")
	}
	r.pos += blockHeaderSize + packedLen
	return dst, nil
}

// DecompressAll reads every block of data and concatenates the
// payloads.
func DecompressAll(data []byte, codec Codec) ([]byte, error) {
	r := NewBlockReader(data, codec)
	out := make([]byte, 0, len(data))
	for {
		block, err := r.ReadBlock()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
}
