package mc

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
)

// wordCount returns how many 16-bit words one point occupies on a word
// device.
func wordCount(p model.Point) int {
	switch p.Type {
	case model.TypeI32, model.TypeF32, model.TypeF32Swapped, model.TypeHexU32:
		return 2 * p.Length
	default:
		return p.Length
	}
}

// decodeWords interprets one point's slice of a word-read response. Words
// are little-endian; 32-bit values are low word first.
func decodeWords(p model.Point, data []byte) (model.Value, error) {
	need := 2 * wordCount(p)
	if len(data) < need {
		return model.Value{}, fmt.Errorf("short word data: have %d bytes, need %d", len(data), need)
	}
	switch p.Type {
	case model.TypeI16:
		// The wire carries the word unsigned; values past the signed
		// ceiling wrap negative.
		v := int64(binary.LittleEndian.Uint16(data))
		if v > math.MaxInt16 {
			v -= 0x10000
		}
		return protocol.ScaleInt(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeI32:
		v := int32(binary.LittleEndian.Uint32(data))
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeF32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(data))
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeF32Swapped:
		u := bits.RotateLeft32(binary.LittleEndian.Uint32(data), 16)
		v := math.Float32frombits(u)
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeHexU32:
		return model.Str(fmt.Sprintf("%08x", binary.LittleEndian.Uint32(data))), nil
	case model.TypeBool:
		return model.Bool(binary.LittleEndian.Uint16(data) != 0), nil
	case model.TypeString:
		return model.Str(strings.TrimRight(string(data[:need]), "\x00 ")), nil
	default:
		return model.Value{}, fmt.Errorf("unsupported point type %q", p.Type)
	}
}

// decodeBits interprets one point of a bit-read response.
func decodeBits(p model.Point, data []byte, offset int) (model.Value, error) {
	on, err := bitAt(data, offset)
	if err != nil {
		return model.Value{}, err
	}
	if p.Type == model.TypeBool {
		return model.Bool(on), nil
	}
	if on {
		return model.I64(1), nil
	}
	return model.I64(0), nil
}
