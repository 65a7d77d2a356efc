package st3215

import (
	"context"
	"testing"

	"github.com/Cogni-Robot/init-servo/transports"
)

func TestGroup_Positions(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: append(reply(1, 0x00, 0x08), reply(2, 0x00, 0x04)...),
	}
	bus := newTestBus(t, mock)

	group := NewServoGroupByIDs(bus, 1, 2)
	positions, err := group.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}

	if positions[1] != 2048 {
		t.Errorf("servo 1 position: got %d, want 2048", positions[1])
	}
	if positions[2] != 1024 {
		t.Errorf("servo 2 position: got %d, want 1024", positions[2])
	}
}

func TestGroup_SetPositions(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)

	group := NewServoGroupByIDs(bus, 1, 2)
	err := group.SetPositions(context.Background(), map[int]int{1: 2048, 2: 1024})
	if err != nil {
		t.Fatalf("SetPositions failed: %v", err)
	}

	// One broadcast sync write frame
	if mock.WriteData[2] != BroadcastID {
		t.Errorf("not broadcast: got %02X", mock.WriteData[2])
	}
	if mock.WriteData[4] != InstSyncWrite {
		t.Errorf("wrong instruction: got %02X, want %02X", mock.WriteData[4], InstSyncWrite)
	}
	if mock.WriteData[5] != RegGoalPosition.Address {
		t.Errorf("wrong address: got %02X, want %02X", mock.WriteData[5], RegGoalPosition.Address)
	}
}

func TestGroup_SetPositionsUnknownServo(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)

	group := NewServoGroupByIDs(bus, 1, 2)
	err := group.SetPositions(context.Background(), map[int]int{9: 100})
	if err == nil {
		t.Fatal("expected error for servo outside the group")
	}
	if len(mock.WriteData) != 0 {
		t.Error("rejected positions must not reach the wire")
	}
}

func TestGroup_EnableAll(t *testing.T) {
	mock := &transports.MockTransport{}
	bus := newTestBus(t, mock)

	group := NewServoGroupByIDs(bus, 1, 2, 3)
	if err := group.EnableAll(context.Background()); err != nil {
		t.Fatalf("EnableAll failed: %v", err)
	}

	if mock.WriteData[4] != InstSyncWrite {
		t.Errorf("wrong instruction: got %02X, want %02X", mock.WriteData[4], InstSyncWrite)
	}
	if mock.WriteData[5] != RegTorqueEnable.Address {
		t.Errorf("wrong address: got %02X, want %02X", mock.WriteData[5], RegTorqueEnable.Address)
	}
	// Per-servo blocks: [id][value] with data length 1
	for i, id := range []byte{1, 2, 3} {
		block := mock.WriteData[7+i*2 : 9+i*2]
		if block[0] != id || block[1] != 1 {
			t.Errorf("servo %d block: got %X, want [%02X 01]", id, block, id)
		}
	}
}

func TestGroup_ReadRegisterByName(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: append(reply(1, 0x00, 0x08), reply(2, 0x00, 0x04)...),
	}
	bus := newTestBus(t, mock)

	group := NewServoGroupByIDs(bus, 1, 2)
	values, err := group.ReadRegister(context.Background(), "present_position")
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}

	if DecodeWord(values[1]) != 2048 {
		t.Errorf("servo 1: got %d, want 2048", DecodeWord(values[1]))
	}
	if DecodeWord(values[2]) != 1024 {
		t.Errorf("servo 2: got %d, want 1024", DecodeWord(values[2]))
	}
}

func TestGroup_ServoLookup(t *testing.T) {
	bus := newTestBus(t, &transports.MockTransport{})

	group := NewServoGroupByIDs(bus, 4, 9)
	if s := group.ServoByID(9); s == nil || s.ID() != 9 {
		t.Error("ServoByID(9) should find the servo")
	}
	if s := group.ServoByID(5); s != nil {
		t.Error("ServoByID(5) should return nil for an unknown ID")
	}
	if got := group.IDs(); len(got) != 2 || got[0] != 4 || got[1] != 9 {
		t.Errorf("IDs: got %v, want [4 9]", got)
	}
}
