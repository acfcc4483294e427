package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
)

// decodeRegisters interprets one point's slice of a register-read response.
// Registers are big-endian on the wire; 32-bit values are high word first.
func decodeRegisters(p model.Point, data []byte) (model.Value, error) {
	need := 2 * unitCount(p, funcReadHolding)
	if len(data) < need {
		return model.Value{}, fmt.Errorf("short register data: have %d bytes, need %d", len(data), need)
	}
	switch p.Type {
	case model.TypeI16:
		v := int16(binary.BigEndian.Uint16(data))
		return protocol.ScaleInt(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeI32:
		v := int32(binary.BigEndian.Uint32(data))
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeF32:
		v := math.Float32frombits(binary.BigEndian.Uint32(data))
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeF32Swapped:
		// Word-swapped float: rotate the 32-bit word left by 16 bits
		// before the IEEE-754 interpretation.
		u := bits.RotateLeft32(binary.BigEndian.Uint32(data), 16)
		v := math.Float32frombits(u)
		return protocol.ScaleFloat(float64(v), p.Coefficient, p.Precision), nil
	case model.TypeHexU32:
		return model.Str(fmt.Sprintf("%08x", binary.BigEndian.Uint32(data))), nil
	case model.TypeBool:
		return model.Bool(binary.BigEndian.Uint16(data) != 0), nil
	case model.TypeString:
		return model.Str(decodeString(data[:need])), nil
	default:
		return model.Value{}, fmt.Errorf("unsupported point type %q", p.Type)
	}
}

// decodeString unpacks two ASCII characters per register and trims padding.
func decodeString(data []byte) string {
	return strings.TrimRight(string(data), "\x00 ")
}

// decodeBit interprets one point of a coil or discrete-input response. The
// response packs bits least-significant first.
func decodeBit(p model.Point, data []byte, bitOffset int) (model.Value, error) {
	if bitOffset/8 >= len(data) {
		return model.Value{}, fmt.Errorf("short coil data: bit %d outside %d bytes", bitOffset, len(data))
	}
	bit := data[bitOffset/8] >> (bitOffset % 8) & 1
	if p.Type == model.TypeBool {
		return model.Bool(bit == 1), nil
	}
	return model.I64(int64(bit)), nil
}
