package mc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Qna-3E binary framing. Requests and responses are little-endian; word
// devices carry 16-bit words, bit devices pack two points per byte.

const (
	commandBatchRead uint16 = 0x0401

	subcommandWord uint16 = 0x0000
	subcommandBit  uint16 = 0x0001

	maxWordsPerRead = 960
	maxBitsPerRead  = 7168
)

// deviceClass describes one register prefix: its wire code, whether it is a
// bit device and whether its addresses are written in hex.
type deviceClass struct {
	code  byte
	isBit bool
	hex   bool
}

var deviceClasses = map[string]deviceClass{
	"D":  {code: 0xA8},
	"W":  {code: 0xB4, hex: true},
	"R":  {code: 0xAF},
	"SD": {code: 0xA9},
	"M":  {code: 0x90, isBit: true},
	"L":  {code: 0x92, isBit: true},
	"F":  {code: 0x93, isBit: true},
	"SM": {code: 0x91, isBit: true},
	"X":  {code: 0x9C, isBit: true, hex: true},
	"Y":  {code: 0x9D, isBit: true, hex: true},
	"B":  {code: 0xA0, isBit: true, hex: true},
}

// parseDeviceAddress splits an address like D100, SD210 or X1A into its
// register prefix and numeric offset.
func parseDeviceAddress(raw string) (string, int, deviceClass, error) {
	addr := strings.ToUpper(strings.TrimSpace(raw))
	split := 0
	for split < len(addr) && addr[split] >= 'A' && addr[split] <= 'Z' {
		split++
	}
	prefix, suffix := addr[:split], addr[split:]
	if prefix == "" || suffix == "" {
		return "", 0, deviceClass{}, fmt.Errorf("malformed device address %q", raw)
	}
	class, ok := deviceClasses[prefix]
	if !ok {
		return "", 0, deviceClass{}, fmt.Errorf("unknown device prefix %q in %q", prefix, raw)
	}
	base := 10
	if class.hex {
		base = 16
	}
	number, err := strconv.ParseInt(suffix, base, 32)
	if err != nil || number < 0 {
		return "", 0, deviceClass{}, fmt.Errorf("bad device number in %q", raw)
	}
	return prefix, int(number), class, nil
}

// encodeBatchRead builds a 3E-frame batch read request for count devices
// starting at head.
func encodeBatchRead(class deviceClass, head, count int) []byte {
	sub := subcommandWord
	if class.isBit {
		sub = subcommandBit
	}

	// Request data: monitoring timer + command + subcommand + head device
	// + device code + device count.
	body := make([]byte, 0, 12)
	body = binary.LittleEndian.AppendUint16(body, 0x0010) // monitoring timer, 4s
	body = binary.LittleEndian.AppendUint16(body, commandBatchRead)
	body = binary.LittleEndian.AppendUint16(body, sub)
	body = append(body, byte(head), byte(head>>8), byte(head>>16))
	body = append(body, class.code)
	body = binary.LittleEndian.AppendUint16(body, uint16(count))

	frame := make([]byte, 0, 9+len(body))
	frame = append(frame, 0x50, 0x00) // subheader
	frame = append(frame, 0x00)       // network
	frame = append(frame, 0xFF)       // PC
	frame = binary.LittleEndian.AppendUint16(frame, 0x03FF) // destination module
	frame = append(frame, 0x00)       // station
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)
	return frame
}

// decodeResponse strips the 3E response header and checks the end code,
// returning the raw device data.
func decodeResponse(header, payload []byte) ([]byte, error) {
	if len(header) != 9 || header[0] != 0xD0 || header[1] != 0x00 {
		return nil, fmt.Errorf("bad response subheader % x", header[:min(len(header), 2)])
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("short response payload: %d bytes", len(payload))
	}
	if endCode := binary.LittleEndian.Uint16(payload[:2]); endCode != 0 {
		return nil, fmt.Errorf("plc returned end code 0x%04X", endCode)
	}
	return payload[2:], nil
}

// responseLength reads the payload length field of a response header.
func responseLength(header []byte) int {
	return int(binary.LittleEndian.Uint16(header[7:9]))
}

// bitAt unpacks one bit device from a bit-read response: two devices per
// byte, first one in the upper nibble.
func bitAt(data []byte, index int) (bool, error) {
	if index/2 >= len(data) {
		return false, fmt.Errorf("bit %d outside %d response bytes", index, len(data))
	}
	b := data[index/2]
	if index%2 == 0 {
		return b>>4&1 == 1, nil
	}
	return b&1 == 1, nil
}
