// Package codec implements the pluggable per-block compression used by
// SSTable data blocks: none, lz4, snappy, or zstd, selected by the table's
// compression_codec configuration.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/kolibridb/coredb/corerr"
	"github.com/pierrec/lz4/v4"

	snappylib "github.com/golang/snappy"
)

// ID identifies a block codec on disk; it is the single byte written before
// each block's compressed payload.
type ID uint8

const (
	None ID = iota
	LZ4
	Snappy
	Zstd
)

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(id))
	}
}

// ParseName maps a configuration string's compression_codec value to an ID.
func ParseName(name string) (ID, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4", "":
		return LZ4, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression_codec %q", name)
	}
}

// Compress returns the compressed form of raw using the named codec.
func Compress(id ID, raw []byte) ([]byte, error) {
	switch id {
	case None:
		return raw, nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "lz4 compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "lz4 compress close", err)
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappylib.Encode(nil, raw), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "zstd writer init", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, corerr.New(corerr.KindCodec, fmt.Sprintf("unknown codec id %d", id))
	}
}

// Decompress reverses Compress. rawLen is the expected decompressed size.
// None rejects a block whose length differs from rawLen and LZ4 reads exactly
// rawLen bytes; Snappy and Zstd use it only to preallocate the output.
func Decompress(id ID, compressed []byte, rawLen int) ([]byte, error) {
	switch id {
	case None:
		if len(compressed) != rawLen {
			return nil, corerr.New(corerr.KindCorruption, "codec: none block length mismatch")
		}
		return compressed, nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(compressed))
		out := make([]byte, rawLen)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "lz4 decompress", err)
		}
		return out, nil
	case Snappy:
		out, err := snappylib.Decode(make([]byte, 0, rawLen), compressed)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "snappy decompress", err)
		}
		return out, nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "zstd reader init", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(compressed, make([]byte, 0, rawLen))
		if err != nil {
			return nil, corerr.Wrap(corerr.KindCodec, "zstd decompress", err)
		}
		return out, nil
	default:
		return nil, corerr.New(corerr.KindCodec, fmt.Sprintf("unknown codec id %d", id))
	}
}
