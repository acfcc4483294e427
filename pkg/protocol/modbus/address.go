package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratumsix/fieldgate/pkg/model"
)

const (
	funcReadCoils          byte = 1
	funcReadDiscreteInputs byte = 2
	funcReadHolding        byte = 3
	funcReadInput          byte = 4
)

const (
	maxRegistersPerRead = 125
	maxCoilsPerRead     = 2000
)

// normalizeAddress maps a conventional display address onto a function code
// and a zero-based wire offset:
//
//	40001-49999  holding registers (fc 3), offset-40001
//	30001-40000  input registers (fc 4), offset-30001; 40000 sits below
//	             the holding range and lands in the family beneath it
//	10001-19999  coils (fc 1), offset-10001
//	other >= 1   discrete inputs (fc 2), offset-1
//	0            already zero-based, read as a holding register
//
// Negative or out-of-range offsets are rejected.
func normalizeAddress(display int) (byte, uint16, error) {
	var fc byte
	var offset int
	switch {
	case display >= 40001 && display <= 49999:
		fc, offset = funcReadHolding, display-40001
	case display >= 30001 && display <= 40000:
		fc, offset = funcReadInput, display-30001
	case display >= 10001 && display <= 19999:
		fc, offset = funcReadCoils, display-10001
	case display >= 1:
		fc, offset = funcReadDiscreteInputs, display-1
	case display == 0:
		fc, offset = funcReadHolding, 0
	default:
		return 0, 0, fmt.Errorf("negative address %d", display)
	}
	if offset > 0xFFFF {
		return 0, 0, fmt.Errorf("address %d exceeds the 16-bit wire range", display)
	}
	return fc, uint16(offset), nil
}

func parseAddress(raw string) (int, error) {
	display, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("non-numeric address %q", raw)
	}
	return display, nil
}

func isBitFunc(fc byte) bool {
	return fc == funcReadCoils || fc == funcReadDiscreteInputs
}

func familyFor(fc byte) string {
	return "fc" + strconv.Itoa(int(fc))
}

func funcFor(family string) byte {
	n, _ := strconv.Atoi(strings.TrimPrefix(family, "fc"))
	return byte(n)
}

func capFor(family string) int {
	if isBitFunc(funcFor(family)) {
		return maxCoilsPerRead
	}
	return maxRegistersPerRead
}

// unitCount returns how many wire units (registers or coil bits) one point
// occupies in its family.
func unitCount(p model.Point, fc byte) int {
	if isBitFunc(fc) {
		return p.Length
	}
	switch p.Type {
	case model.TypeI32, model.TypeF32, model.TypeF32Swapped, model.TypeHexU32:
		return 2 * p.Length
	default:
		return p.Length
	}
}
