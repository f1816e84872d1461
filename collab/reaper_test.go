package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdleReaper(t *testing.T) {
	clock := newTestClock()
	settings := DefaultRoomManagerSettings()
	settings.Now = clock.Now
	roomManager := NewRoomManager(settings)

	a := newTestPeer()
	roomManager.Join("42", "A", "Ann", "", a)
	clock.Advance(11 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := NewIdleReaper(ctx, roomManager, 10*time.Millisecond)
	defer reaper.Close()

	waitFor(t, func() bool {
		return roomManager.Stats().Rooms == 0
	})
	assert.Equal(t, a.isClosed(), true)
}

func TestIdleReaperClose(t *testing.T) {
	roomManager := NewRoomManagerWithDefaults()
	roomManager.Join("42", "A", "Ann", "", newTestPeer())
	roomManager.Leave("42", "A")

	reaper := NewIdleReaperWithDefaults(context.Background(), roomManager)
	reaper.Close()

	select {
	case <-reaper.ctx.Done():
	case <-time.After(testReadTimeout):
		t.Fatalf("not closed")
	}
	// the default interval is minutes, so the empty room is still there
	assert.Equal(t, roomManager.Stats().Rooms, 1)
}
