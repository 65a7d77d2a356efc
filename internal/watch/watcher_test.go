package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/Cogni-Robot/init-servo/st3215"
	"github.com/Cogni-Robot/init-servo/transports"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name           string
		prev, cur      []int
		added, removed []int
	}{
		{"both empty", nil, nil, nil, nil},
		{"no change", []int{1, 2, 3}, []int{1, 2, 3}, nil, nil},
		{"initial roster", nil, []int{1, 2}, []int{1, 2}, nil},
		{"all gone", []int{1, 2}, nil, nil, []int{1, 2}},
		{"swap middle", []int{1, 3, 5}, []int{1, 4, 5}, []int{4}, []int{3}},
		{"add both ends", []int{2}, []int{1, 2, 3}, []int{1, 3}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := Diff(tt.prev, tt.cur)
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.removed, removed)
		})
	}
}

func pingAck(id byte) []byte {
	return st3215.Encode(st3215.Packet{ID: id})
}

func wordReply(id byte, value uint16) []byte {
	return st3215.Encode(st3215.Packet{ID: id, Parameters: st3215.EncodeWord(value)})
}

func testOpen(mock *transports.MockTransport) func() (*st3215.Bus, error) {
	return func() (*st3215.Bus, error) {
		return st3215.NewBus(st3215.BusConfig{
			Transport:     mock,
			Timeout:       time.Millisecond,
			MinCommandGap: time.Nanosecond,
		})
	}
}

func TestWatcher_EmitsOnChange(t *testing.T) {
	present := atomic.NewBool(true)
	mock := &transports.MockTransport{}
	mock.RespondFunc = func(w []byte) []byte {
		if w[2] != 3 || !present.Load() {
			return nil
		}
		switch w[4] {
		case st3215.InstPing:
			return pingAck(3)
		case st3215.InstRead:
			return wordReply(3, 777)
		}
		return nil
	}

	w := New(Config{
		Open:              testOpen(mock),
		StartID:           0,
		EndID:             5,
		PollInterval:      10 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case ev := <-w.Events():
		assert.Equal(t, []int{3}, ev.Added)
		assert.Empty(t, ev.Removed)
		require.Len(t, ev.Roster, 1)
		assert.Equal(t, 3, ev.Roster[0].ID)
		assert.Equal(t, 777, ev.Roster[0].ModelNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("no attach event")
	}
	assert.True(t, w.Connected())

	present.Store(false)

	select {
	case ev := <-w.Events():
		assert.Empty(t, ev.Added)
		assert.Equal(t, []int{3}, ev.Removed)
		assert.Empty(t, ev.Roster)
	case <-time.After(2 * time.Second):
		t.Fatal("no detach event")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_DoWithoutBus(t *testing.T) {
	w := New(Config{Open: testOpen(&transports.MockTransport{})}, nil)

	err := w.Do(func(*st3215.Bus) error { return nil })
	require.ErrorIs(t, err, st3215.ErrBusClosed)
}

func TestWatcher_ReconnectsAfterOpenFailure(t *testing.T) {
	mock := &transports.MockTransport{}
	attempts := atomic.NewInt32(0)
	open := func() (*st3215.Bus, error) {
		if attempts.Inc() <= 2 {
			return nil, errors.New("no such device")
		}
		return testOpen(mock)()
	}

	w := New(Config{
		Open:              open,
		StartID:           0,
		EndID:             0,
		PollInterval:      5 * time.Millisecond,
		ReconnectInterval: 5 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, w.Connected, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
