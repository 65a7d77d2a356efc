// Package st3215 provides a Go driver for Feetech STS3215-series serial bus servos.
package st3215

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Instruction codes per the Feetech protocol specification.
const (
	InstPing      byte = 0x01
	InstRead      byte = 0x02
	InstWrite     byte = 0x03
	InstRegWrite  byte = 0x04
	InstAction    byte = 0x05
	InstReset     byte = 0x06
	InstSyncRead  byte = 0x82
	InstSyncWrite byte = 0x83
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
)

// maxHeaderScan bounds how far Decode searches for the header before
// giving up with ErrFraming.
const maxHeaderScan = 16

// StatusError holds the fault flags reported in a servo's status byte.
type StatusError byte

const (
	StatusVoltage     StatusError = 1 << 0
	StatusAngleLimit  StatusError = 1 << 1
	StatusOverheat    StatusError = 1 << 2
	StatusRange       StatusError = 1 << 3
	StatusChecksum    StatusError = 1 << 4
	StatusOverload    StatusError = 1 << 5
	StatusInstruction StatusError = 1 << 6
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	if e&StatusVoltage != 0 {
		msgs = append(msgs, "voltage")
	}
	if e&StatusAngleLimit != 0 {
		msgs = append(msgs, "angle limit")
	}
	if e&StatusOverheat != 0 {
		msgs = append(msgs, "overheat")
	}
	if e&StatusRange != 0 {
		msgs = append(msgs, "range")
	}
	if e&StatusChecksum != 0 {
		msgs = append(msgs, "checksum")
	}
	if e&StatusOverload != 0 {
		msgs = append(msgs, "overload")
	}
	if e&StatusInstruction != 0 {
		msgs = append(msgs, "instruction")
	}

	return fmt.Sprintf("servo status error: %v", msgs)
}

// HasError returns true if any fault flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// Packet represents a servo bus protocol packet.
type Packet struct {
	ID          byte
	Instruction byte
	Parameters  []byte
	Error       StatusError // Only valid for response packets
}

// EncodeWord converts a 16-bit value to its wire bytes (little-endian).
func EncodeWord(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// DecodeWord converts wire bytes to a 16-bit value.
func DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data)
}

// Encode constructs a wire-format packet from the given components.
func Encode(pkt Packet) []byte {
	length := byte(len(pkt.Parameters) + 2) // params + instruction + checksum

	// header(2) + id(1) + length(1) + instruction(1) + params(n) + checksum(1)
	buf := make([]byte, 0, 6+len(pkt.Parameters))
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, pkt.ID)
	buf = append(buf, length)
	buf = append(buf, pkt.Instruction)
	buf = append(buf, pkt.Parameters...)

	sum := checksum(buf[2:]) // from ID onwards
	buf = append(buf, sum)

	return buf
}

// Decode parses a wire-format packet into its components.
// Returns the packet and number of bytes consumed, or an error.
// The header is searched within the first maxHeaderScan bytes; if it is not
// found there the data is considered unframeable and ErrFraming is returned.
func Decode(data []byte) (Packet, int, error) {
	if len(data) < 6 {
		return Packet{}, 0, fmt.Errorf("%w: need at least 6 bytes, have %d", ErrInvalidPacket, len(data))
	}

	// Find header within the lookahead window
	headerIdx := -1
	limit := min(len(data)-6, maxHeaderScan)
	for i := 0; i <= limit; i++ {
		if data[i] == headerByte1 && data[i+1] == headerByte2 {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return Packet{}, 0, fmt.Errorf("%w: header not found in first %d bytes", ErrFraming, maxHeaderScan)
	}

	data = data[headerIdx:]
	if len(data) < 6 {
		return Packet{}, 0, fmt.Errorf("%w: truncated after header", ErrInvalidPacket)
	}

	id := data[2]
	length := int(data[3])

	totalLen := 4 + length // header(2) + id(1) + length(1) + [length bytes]
	if len(data) < totalLen {
		return Packet{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidPacket, totalLen, len(data))
	}

	// Verify checksum
	expected := checksum(data[2 : totalLen-1])
	actual := data[totalLen-1]
	if expected != actual {
		return Packet{}, 0, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, expected, actual)
	}

	// Response format: [header][id][length][error][params...][checksum]
	pkt := Packet{
		ID:    id,
		Error: StatusError(data[4]),
	}

	paramLen := length - 2 // subtract error byte and checksum
	if paramLen > 0 {
		pkt.Parameters = make([]byte, paramLen)
		copy(pkt.Parameters, data[5:5+paramLen])
	}

	return pkt, headerIdx + totalLen, nil
}

// DecodeMultiple parses up to count response packets from a buffer,
// resynchronizing on the next header after a corrupt packet.
func DecodeMultiple(data []byte, count int) ([]Packet, error) {
	packets := make([]Packet, 0, count)
	offset := 0

	for i := 0; i < count && offset < len(data); i++ {
		pkt, consumed, err := Decode(data[offset:])
		if err != nil {
			// Try to find the next header
			found := false
			for j := offset + 1; j <= len(data)-6; j++ {
				if data[j] == headerByte1 && data[j+1] == headerByte2 {
					offset = j
					found = true
					break
				}
			}
			if !found {
				break
			}
			continue
		}
		packets = append(packets, pkt)
		offset += consumed
	}

	return packets, nil
}

// ExpectedResponseLength returns the expected wire length for a response packet.
func ExpectedResponseLength(dataLen int) int {
	// header(2) + id(1) + length(1) + error(1) + data(n) + checksum(1)
	return 6 + dataLen
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// Instruction packet builders

// PingPacket creates a ping instruction packet.
func PingPacket(id byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstPing,
	})
}

// ReadPacket creates a read instruction packet.
func ReadPacket(id, address, length byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstRead,
		Parameters:  []byte{address, length},
	})
}

// WritePacket creates a write instruction packet.
func WritePacket(id, address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)

	return Encode(Packet{
		ID:          id,
		Instruction: InstWrite,
		Parameters:  params,
	})
}

// RegWritePacket creates a reg write (buffered write) instruction packet.
func RegWritePacket(id, address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)

	return Encode(Packet{
		ID:          id,
		Instruction: InstRegWrite,
		Parameters:  params,
	})
}

// ActionPacket creates an action instruction packet (triggers reg writes).
func ActionPacket() []byte {
	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstAction,
	})
}

// ResetPacket creates a factory reset instruction packet.
func ResetPacket(id byte) []byte {
	return Encode(Packet{
		ID:          id,
		Instruction: InstReset,
	})
}

// SyncWritePacket creates a sync write instruction packet.
// servoData is a map of servo ID to the data bytes to write.
func SyncWritePacket(address byte, dataLen byte, servoData map[byte][]byte) []byte {
	// Parameters: address(1) + dataLen(1) + [id(1) + data(n)]...
	params := make([]byte, 0, 2+len(servoData)*(1+int(dataLen)))
	params = append(params, address, dataLen)

	// Emit blocks in ascending ID order so frames are deterministic
	ids := make([]byte, 0, len(servoData))
	for id := range servoData {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		params = append(params, id)
		params = append(params, servoData[id]...)
	}

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncWrite,
		Parameters:  params,
	})
}

// SyncReadPacket creates a sync read instruction packet.
func SyncReadPacket(address, dataLen byte, ids []byte) []byte {
	params := make([]byte, 0, 2+len(ids))
	params = append(params, address, dataLen)
	params = append(params, ids...)

	return Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncRead,
		Parameters:  params,
	})
}
