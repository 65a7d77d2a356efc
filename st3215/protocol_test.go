package st3215

import (
	"bytes"
	"errors"
	"testing"
)

func TestPingPacket(t *testing.T) {
	// Ping servo ID 1: FF FF 01 02 01 FB
	// Checksum = ~(01 + 02 + 01) = ~04 = FB
	packet := PingPacket(0x01)
	expected := []byte{0xFF, 0xFF, 0x01, 0x02, 0x01, 0xFB}

	if !bytes.Equal(packet, expected) {
		t.Errorf("PingPacket: got %X, want %X", packet, expected)
	}
}

func TestReadPacket(t *testing.T) {
	// Read 2 bytes from address 0x38 on servo ID 1
	// FF FF 01 04 02 38 02 BE
	packet := ReadPacket(0x01, 0x38, 0x02)
	expected := []byte{0xFF, 0xFF, 0x01, 0x04, 0x02, 0x38, 0x02, 0xBE}

	if !bytes.Equal(packet, expected) {
		t.Errorf("ReadPacket: got %X, want %X", packet, expected)
	}
}

func TestWritePacket(t *testing.T) {
	// Write ID value 1 to address 5 using broadcast
	// FF FF FE 04 03 05 01 F4
	packet := WritePacket(BroadcastID, 0x05, []byte{0x01})
	expected := []byte{0xFF, 0xFF, 0xFE, 0x04, 0x03, 0x05, 0x01, 0xF4}

	if !bytes.Equal(packet, expected) {
		t.Errorf("WritePacket: got %X, want %X", packet, expected)
	}
}

func TestRegWritePacket(t *testing.T) {
	// Buffered write of position 2048 to address 0x2A on servo ID 1
	packet := RegWritePacket(0x01, 0x2A, []byte{0x00, 0x08})
	expected := []byte{0xFF, 0xFF, 0x01, 0x05, 0x04, 0x2A, 0x00, 0x08, 0xC3}

	if !bytes.Equal(packet, expected) {
		t.Errorf("RegWritePacket: got %X, want %X", packet, expected)
	}
}

func TestActionPacket(t *testing.T) {
	// Action is always broadcast: FF FF FE 02 05 FA
	packet := ActionPacket()
	expected := []byte{0xFF, 0xFF, 0xFE, 0x02, 0x05, 0xFA}

	if !bytes.Equal(packet, expected) {
		t.Errorf("ActionPacket: got %X, want %X", packet, expected)
	}
}

func TestResetPacket(t *testing.T) {
	// Reset servo ID 1: FF FF 01 02 06 F6
	packet := ResetPacket(0x01)
	expected := []byte{0xFF, 0xFF, 0x01, 0x02, 0x06, 0xF6}

	if !bytes.Equal(packet, expected) {
		t.Errorf("ResetPacket: got %X, want %X", packet, expected)
	}
}

func TestDecodeResponse(t *testing.T) {
	// Response to ping: FF FF 01 02 00 FC
	data := []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}

	pkt, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if consumed != 6 {
		t.Errorf("consumed: got %d, want 6", consumed)
	}
	if pkt.ID != 0x01 {
		t.Errorf("ID: got %d, want 1", pkt.ID)
	}
	if pkt.Error != 0 {
		t.Errorf("Error: got %d, want 0", pkt.Error)
	}
}

func TestDecodeWithData(t *testing.T) {
	// Response to read position: FF FF 01 04 00 18 05 DD
	// Position value: 0x0518 = 1304 (little-endian)
	data := []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x18, 0x05, 0xDD}

	pkt, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if pkt.ID != 0x01 {
		t.Errorf("ID: got %d, want 1", pkt.ID)
	}
	if len(pkt.Parameters) != 2 {
		t.Fatalf("Parameters length: got %d, want 2", len(pkt.Parameters))
	}

	position := DecodeWord(pkt.Parameters)
	if position != 0x0518 {
		t.Errorf("Position: got %d, want %d", position, 0x0518)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// A response frame built with Encode must decode back to the same
	// ID, status and parameters
	pkt := Packet{ID: 3, Parameters: []byte{0x18, 0x05}}

	data := Encode(pkt)
	decoded, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if consumed != len(data) {
		t.Errorf("consumed: got %d, want %d", consumed, len(data))
	}
	if decoded.ID != pkt.ID {
		t.Errorf("ID: got %d, want %d", decoded.ID, pkt.ID)
	}
	if decoded.Error != 0 {
		t.Errorf("Error: got %d, want 0", decoded.Error)
	}
	if !bytes.Equal(decoded.Parameters, pkt.Parameters) {
		t.Errorf("Parameters: got %X, want %X", decoded.Parameters, pkt.Parameters)
	}
}

func TestDecodeWithGarbage(t *testing.T) {
	// Data with garbage before valid packet
	data := []byte{0x00, 0x12, 0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}

	pkt, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Should skip garbage and find packet at offset 2
	if consumed != 8 { // 2 garbage + 6 packet
		t.Errorf("consumed: got %d, want 8", consumed)
	}
	if pkt.ID != 0x01 {
		t.Errorf("ID: got %d, want 1", pkt.ID)
	}
}

func TestDecodeFramingLimit(t *testing.T) {
	// A header buried past the scan window is not hunted for
	data := append(bytes.Repeat([]byte{0xAA}, maxHeaderScan+8),
		0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC)

	_, _, err := Decode(data)
	if !errors.Is(err, ErrFraming) {
		t.Errorf("expected ErrFraming, got %v", err)
	}
}

func TestDecodeSingleByteCorruption(t *testing.T) {
	valid := []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x18, 0x05, 0xDD}

	if _, _, err := Decode(valid); err != nil {
		t.Fatalf("Decode of valid frame failed: %v", err)
	}

	// Flipping any single byte must make the frame unparseable
	for i := range valid {
		corrupted := bytes.Clone(valid)
		corrupted[i] ^= 0xFF

		if _, _, err := Decode(corrupted); err == nil {
			t.Errorf("byte %d corrupted: frame was accepted", i)
		}
	}
}

func TestDecodeChecksumError(t *testing.T) {
	// Valid packet with corrupted checksum
	data := []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0x00} // Checksum should be 0xFC

	_, _, err := Decode(data)
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}
}

func TestDecodeMultiple(t *testing.T) {
	// Two responses concatenated
	data := []byte{
		0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0xF2, // ID 1, position 2048
		0xFF, 0xFF, 0x02, 0x04, 0x00, 0x00, 0x10, 0xE9, // ID 2, position 4096
	}

	packets, err := DecodeMultiple(data, 2)
	if err != nil {
		t.Fatalf("DecodeMultiple failed: %v", err)
	}

	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}

	if packets[0].ID != 1 {
		t.Errorf("packet 0 ID: got %d, want 1", packets[0].ID)
	}
	if packets[1].ID != 2 {
		t.Errorf("packet 1 ID: got %d, want 2", packets[1].ID)
	}
}

func TestByteOrder(t *testing.T) {
	// Words are little-endian on the wire
	data := EncodeWord(0x1234)
	if data[0] != 0x34 || data[1] != 0x12 {
		t.Errorf("EncodeWord: got %X, want [34 12]", data)
	}

	decoded := DecodeWord([]byte{0x34, 0x12})
	if decoded != 0x1234 {
		t.Errorf("DecodeWord: got %X, want 1234", decoded)
	}
}

func TestSyncWritePacket(t *testing.T) {
	// Sync write position 0x0800 to servos 1-4
	servoData := map[byte][]byte{
		1: {0x00, 0x08, 0x00, 0x00, 0xE8, 0x03},
		2: {0x00, 0x08, 0x00, 0x00, 0xE8, 0x03},
		3: {0x00, 0x08, 0x00, 0x00, 0xE8, 0x03},
		4: {0x00, 0x08, 0x00, 0x00, 0xE8, 0x03},
	}

	packet := SyncWritePacket(0x2A, 6, servoData)

	// Verify structure
	if packet[0] != 0xFF || packet[1] != 0xFF {
		t.Error("missing header")
	}
	if packet[2] != BroadcastID {
		t.Error("not broadcast ID")
	}
	if packet[4] != InstSyncWrite {
		t.Error("wrong instruction")
	}
	if packet[5] != 0x2A {
		t.Error("wrong address")
	}
	if packet[6] != 6 {
		t.Error("wrong data length")
	}
}

func TestSyncReadPacket(t *testing.T) {
	packet := SyncReadPacket(0x38, 2, []byte{1, 2, 3})

	if packet[2] != BroadcastID {
		t.Error("not broadcast ID")
	}
	if packet[4] != InstSyncRead {
		t.Error("wrong instruction")
	}
	if packet[5] != 0x38 {
		t.Error("wrong address")
	}
	if packet[6] != 2 {
		t.Error("wrong data length")
	}
	if !bytes.Equal(packet[7:10], []byte{1, 2, 3}) {
		t.Errorf("IDs: got %X, want [01 02 03]", packet[7:10])
	}
}

func TestExpectedResponseLength(t *testing.T) {
	if got := ExpectedResponseLength(0); got != 6 {
		t.Errorf("ExpectedResponseLength(0): got %d, want 6", got)
	}
	if got := ExpectedResponseLength(2); got != 8 {
		t.Errorf("ExpectedResponseLength(2): got %d, want 8", got)
	}
}

func TestStatusErrorFlags(t *testing.T) {
	tests := []struct {
		status   StatusError
		hasError bool
	}{
		{0, false},
		{StatusVoltage, true},
		{StatusOverheat, true},
		{StatusOverload | StatusOverheat, true},
	}

	for _, tt := range tests {
		if tt.status.HasError() != tt.hasError {
			t.Errorf("StatusError(%X).HasError(): got %v, want %v",
				tt.status, tt.status.HasError(), tt.hasError)
		}
	}
}

func TestStatusErrorString(t *testing.T) {
	err := StatusOverheat | StatusOverload
	s := err.Error()

	if s == "" {
		t.Error("expected non-empty error string")
	}
}
