package st3215

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Cogni-Robot/init-servo/transports"
)

// Bus manages communication with servos on a shared half-duplex serial line.
// All operations serialize on an internal mutex, so a single Bus may be
// shared between goroutines, but commands never interleave on the wire.
type Bus struct {
	transport Transport
	timeout   time.Duration
	pace      *rate.Limiter
	stats     Stats

	mu     sync.Mutex
	closed bool
}

// BusConfig holds configuration for creating a new Bus.
type BusConfig struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyACM0").
	// Ignored if Transport is provided.
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Timeout for communication operations. Default is 1 second.
	Timeout time.Duration

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration
}

// NewBus creates a new servo bus with the given configuration.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, errors.New("either Transport or Port must be specified")
		}
		var err error
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, &OpenError{Port: cfg.Port, Err: err}
		}
	}

	return &Bus{
		transport: transport,
		timeout:   cfg.Timeout,
		pace:      rate.NewLimiter(rate.Every(cfg.MinCommandGap), 1),
	}, nil
}

// Open opens the serial device at path with default settings.
func Open(path string) (*Bus, error) {
	return NewBus(BusConfig{Port: path})
}

// Close closes the bus and releases the underlying transport.
// It is safe to call more than once; only the first call closes the
// transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	return b.transport.Close()
}

// Stats returns the live communication counters for this bus.
func (b *Bus) Stats() *Stats {
	return &b.stats
}

// Ping checks for a servo at the given ID. A nil return means the servo
// answered and reported no fault.
func (b *Bus) Ping(ctx context.Context, id int) error {
	if err := b.validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	packet := PingPacket(byte(id))
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return &CommError{Op: "ping", Err: err}
	}

	resp, err := b.readResponseLocked(ctx, 6)
	if err != nil {
		return &ServoError{ID: id, Op: "ping", Err: err}
	}

	if resp.ID != byte(id) {
		return &ServoError{ID: id, Op: "ping", Err: fmt.Errorf("wrong servo ID in response: got %d", resp.ID)}
	}

	if resp.Error.HasError() {
		return &ServoError{ID: id, Op: "ping", Status: resp.Error}
	}

	return nil
}

// ReadRegister reads bytes from a servo register.
func (b *Bus) ReadRegister(ctx context.Context, id int, address byte, length int) ([]byte, error) {
	if err := b.validateID(id); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	return b.readRegisterLocked(ctx, byte(id), address, byte(length))
}

// WriteRegister writes bytes to a servo register.
func (b *Bus) WriteRegister(ctx context.Context, id int, address byte, data []byte) error {
	if err := b.validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	return b.writeRegisterLocked(ctx, byte(id), address, data)
}

// SyncWrite writes data to multiple servos in one broadcast frame.
// servoData maps servo ID to the data to write.
func (b *Bus) SyncWrite(ctx context.Context, address byte, dataLen int, servoData map[int][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	byteData := make(map[byte][]byte, len(servoData))
	for id, data := range servoData {
		if err := b.validateID(id); err != nil {
			return err
		}
		if len(data) != dataLen {
			return fmt.Errorf("servo %d: data length mismatch: expected %d, got %d", id, dataLen, len(data))
		}
		byteData[byte(id)] = data
	}

	packet := SyncWritePacket(address, byte(dataLen), byteData)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return &CommError{Op: "sync_write", Err: err}
	}

	// Sync write to broadcast ID gets no response
	return nil
}

// SyncRead reads data from multiple servos with one request frame.
// Returns a map of servo ID to the data read.
func (b *Bus) SyncRead(ctx context.Context, address byte, dataLen int, ids []int) (map[int][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	byteIDs := make([]byte, len(ids))
	for i, id := range ids {
		if err := b.validateID(id); err != nil {
			return nil, err
		}
		byteIDs[i] = byte(id)
	}

	packet := SyncReadPacket(address, byte(dataLen), byteIDs)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return nil, &CommError{Op: "sync_read", Err: err}
	}

	// Read all responses
	expectedLen := len(ids) * ExpectedResponseLength(dataLen)
	rawData, err := b.readRawBytesLocked(ctx, expectedLen)
	if err != nil {
		return nil, &CommError{Op: "sync_read", Err: err}
	}

	packets, err := DecodeMultiple(rawData, len(ids))
	if err != nil {
		return nil, &CommError{Op: "sync_read", Err: err}
	}
	b.stats.PacketsReceived.Add(int64(len(packets)))

	result := make(map[int][]byte, len(packets))
	for _, pkt := range packets {
		if pkt.Error.HasError() {
			return nil, &ServoError{ID: int(pkt.ID), Op: "sync_read", Status: pkt.Error}
		}
		result[int(pkt.ID)] = pkt.Parameters
	}

	// Check for missing responses
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			return result, &ServoError{ID: id, Op: "sync_read", Err: ErrNoResponse}
		}
	}

	return result, nil
}

// RegWrite writes data to a servo's buffer without immediate execution.
// Call Action() to execute all buffered writes.
func (b *Bus) RegWrite(ctx context.Context, id int, address byte, data []byte) error {
	if err := b.validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	packet := RegWritePacket(byte(id), address, data)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return &CommError{Op: "reg_write", Err: err}
	}

	resp, err := b.readResponseLocked(ctx, 6)
	if err != nil {
		return &ServoError{ID: id, Op: "reg_write", Err: err}
	}

	if resp.Error.HasError() {
		return &ServoError{ID: id, Op: "reg_write", Status: resp.Error}
	}

	return nil
}

// Action triggers execution of all buffered RegWrite commands.
func (b *Bus) Action(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	packet := ActionPacket()
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return &CommError{Op: "action", Err: err}
	}

	// Broadcast, no response expected
	return nil
}

// Reset restores a servo's EPROM settings to factory defaults.
// The servo ID itself is preserved.
func (b *Bus) Reset(ctx context.Context, id int) error {
	if err := b.validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	packet := ResetPacket(byte(id))
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return &CommError{Op: "reset", Err: err}
	}

	resp, err := b.readResponseLocked(ctx, 6)
	if err != nil {
		return &ServoError{ID: id, Op: "reset", Err: err}
	}

	if resp.Error.HasError() {
		return &ServoError{ID: id, Op: "reset", Status: resp.Error}
	}

	return nil
}

// ListServos pings every addressable ID from 0 through MaxServoID in
// ascending order and returns the IDs that answered. An empty result means
// no servos are attached; it is not an error. IDs that time out or answer
// with a garbled frame are skipped. Only a closed bus, a cancelled context,
// or a transport write failure aborts the scan early, returning the IDs
// found so far along with the error.
func (b *Bus) ListServos(ctx context.Context) ([]int, error) {
	var found []int

	for id := 0; id <= int(MaxServoID); id++ {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		err := b.Ping(ctx, id)
		if err == nil {
			found = append(found, id)
			continue
		}
		if scanFatal(err) {
			return found, err
		}
	}

	return found, nil
}

// Scan searches for servos by pinging each ID in the range and queries the
// model number of each responder. Servos that answer the ping but fail the
// model query are reported with a zero model number. The abort rules match
// ListServos.
func (b *Bus) Scan(ctx context.Context, startID, endID int) ([]FoundServo, error) {
	if startID < 0 || endID > int(MaxServoID) || startID > endID {
		return nil, fmt.Errorf("invalid ID range: %d to %d", startID, endID)
	}

	var found []FoundServo

	for id := startID; id <= endID; id++ {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		if err := b.Ping(ctx, id); err != nil {
			if scanFatal(err) {
				return found, err
			}
			continue // No response at this ID
		}

		f := FoundServo{ID: id}

		modelData, err := b.ReadRegister(ctx, id, RegModelNumber.Address, RegModelNumber.Size)
		if err == nil {
			f.ModelNumber = int(DecodeWord(modelData))
			if model, ok := GetModelByNumber(f.ModelNumber); ok {
				f.Model = model
			}
		}

		found = append(found, f)
	}

	return found, nil
}

// Discover searches for servos using a broadcast ping. This is faster than
// a full Scan when few servos are attached, but responses can collide on a
// crowded bus.
func (b *Bus) Discover(ctx context.Context) ([]FoundServo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	packet := PingPacket(BroadcastID)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return nil, &CommError{Op: "discover", Err: err}
	}

	// Give the servos time to answer the broadcast
	time.Sleep(23 * time.Millisecond)

	var found []FoundServo
	deadline := time.Now().Add(b.timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		// Ping responses are 6 bytes each
		data, err := b.readRawBytesLocked(ctx, 6)
		if err != nil {
			// No more responses available
			break
		}

		pkt, _, err := Decode(data)
		if err != nil {
			continue
		}

		if pkt.Error.HasError() {
			continue
		}

		servoID := int(pkt.ID)

		modelData, err := b.readRegisterLocked(ctx, byte(servoID), RegModelNumber.Address, byte(RegModelNumber.Size))
		if err != nil {
			found = append(found, FoundServo{ID: servoID})
			continue
		}

		modelNum := int(DecodeWord(modelData))

		f := FoundServo{
			ID:          servoID,
			ModelNumber: modelNum,
		}

		if model, ok := GetModelByNumber(modelNum); ok {
			f.Model = model
		}

		found = append(found, f)
	}

	return found, nil
}

// FoundServo represents a servo discovered during scanning.
type FoundServo struct {
	ID          int
	ModelNumber int
	Model       *Model // May be nil if model is unknown
}

// scanFatal reports whether a per-ID probe error should abort a scan.
// Timeouts and garbled replies are expected on an ID with no servo; a
// closed bus or a transport write failure means the whole scan is doomed.
func scanFatal(err error) bool {
	if errors.Is(err, ErrBusClosed) {
		return true
	}
	var commErr *CommError
	return errors.As(err, &commErr)
}

// Internal methods

func (b *Bus) validateID(id int) error {
	if id < 0 || id > int(MaxServoID) {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxServoID)
	}
	return nil
}

func (b *Bus) sendPacketLocked(ctx context.Context, packet []byte) error {
	// Pace commands so back-to-back frames do not collide on the
	// half-duplex line.
	if err := b.pace.Wait(ctx); err != nil {
		return err
	}

	// Flush any stale input
	b.transport.Flush()

	n, err := b.transport.Write(packet)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet))
	}

	b.stats.PacketsSent.Inc()
	b.stats.BytesWritten.Add(int64(n))

	// Small delay for half-duplex turnaround
	time.Sleep(100 * time.Microsecond)

	return nil
}

func (b *Bus) readRegisterLocked(ctx context.Context, id, address, length byte) ([]byte, error) {
	packet := ReadPacket(id, address, length)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return nil, err
	}

	resp, err := b.readResponseLocked(ctx, ExpectedResponseLength(int(length)))
	if err != nil {
		return nil, err
	}

	if resp.ID != id {
		return nil, fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return nil, resp.Error
	}

	return resp.Parameters, nil
}

func (b *Bus) writeRegisterLocked(ctx context.Context, id, address byte, data []byte) error {
	packet := WritePacket(id, address, data)
	if err := b.sendPacketLocked(ctx, packet); err != nil {
		return err
	}

	resp, err := b.readResponseLocked(ctx, 6)
	if err != nil {
		return err
	}

	if resp.ID != id {
		return fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return resp.Error
	}

	return nil
}

func (b *Bus) readResponseLocked(ctx context.Context, expectedLen int) (Packet, error) {
	data, err := b.readRawBytesLocked(ctx, expectedLen)
	if err != nil {
		return Packet{}, err
	}

	pkt, _, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrChecksum) {
			b.stats.ChecksumErrors.Inc()
		}
		return Packet{}, err
	}

	b.stats.PacketsReceived.Inc()
	return pkt, nil
}

func (b *Bus) readRawBytesLocked(ctx context.Context, expectedLen int) ([]byte, error) {
	buffer := make([]byte, expectedLen*2) // Extra space for safety
	totalRead := 0
	deadline := time.Now().Add(b.timeout)

	for totalRead < expectedLen {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			b.stats.Timeouts.Inc()
			if totalRead == 0 {
				return nil, ErrNoResponse
			}
			return nil, fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, totalRead, expectedLen)
		}

		remaining := max(time.Until(deadline), 10*time.Millisecond)
		b.transport.SetReadTimeout(remaining)

		n, err := b.transport.Read(buffer[totalRead:])
		if err != nil {
			// A zero-byte read is how the transport reports "nothing
			// yet"; hard transport failures surface on the next write.
			if n == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("read error: %w", err)
		}

		totalRead += n
	}

	b.stats.BytesRead.Add(int64(totalRead))
	return buffer[:totalRead], nil
}
