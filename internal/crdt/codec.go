package crdt

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// encMode uses Core Deterministic Encoding so the same replica always
// produces the same snapshot bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("crdt: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("crdt: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Compress zstd-encodes data. Encoder and decoder are safe for concurrent use.
func Compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func Decompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// CompressedLen is the number of bytes data occupies in compressed storage.
// Incompressible data is stored raw.
func CompressedLen(data []byte) int {
	n := len(zstdEncoder.EncodeAll(data, nil))
	if n > len(data) {
		return len(data)
	}
	return n
}
