package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// periodic sweep that evicts inactive users and empty or stale rooms
// the sweep only mutates in-memory state and enqueues roster broadcasts,
// so it never waits on a slow peer
type IdleReaper struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomManager   *RoomManager
	sweepInterval time.Duration
}

func NewIdleReaperWithDefaults(ctx context.Context, roomManager *RoomManager) *IdleReaper {
	return NewIdleReaper(ctx, roomManager, roomManager.Settings().SweepInterval)
}

func NewIdleReaper(ctx context.Context, roomManager *RoomManager, sweepInterval time.Duration) *IdleReaper {
	cancelCtx, cancel := context.WithCancel(ctx)
	reaper := &IdleReaper{
		ctx:           cancelCtx,
		cancel:        cancel,
		roomManager:   roomManager,
		sweepInterval: sweepInterval,
	}
	go reaper.run()
	return reaper
}

func (self *IdleReaper) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		sweep := func() {
			result := self.roomManager.Sweep()
			if 0 < result.EvictedUsers || 0 < result.DestroyedRooms {
				glog.V(1).Infof("[reap]evicted %d users, destroyed %d rooms\n", result.EvictedUsers, result.DestroyedRooms)
			}
		}
		HandleError(func() {
			if glog.V(2) {
				Trace("[reap]sweep", sweep)
			} else {
				sweep()
			}
		})
	}
}

func (self *IdleReaper) Close() {
	self.cancel()
}
