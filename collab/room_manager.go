package collab

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type RoomManagerSettings struct {
	// a member silent for longer than this is evicted on the next sweep
	InactivityTimeout time.Duration
	// an empty room is destroyed on the first sweep after this
	EmptyRoomTimeout time.Duration
	SweepInterval    time.Duration
	// hard cap of the per-room change log
	ChangeLogCapacity int
	// number of recent changes sent in a snapshot
	ChangeBackfill int
	Now            func() time.Time
}

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		InactivityTimeout: 10 * time.Minute,
		EmptyRoomTimeout:  1 * time.Minute,
		SweepInterval:     5 * time.Minute,
		ChangeLogCapacity: 100,
		ChangeBackfill:    20,
		Now:               time.Now,
	}
}

type RoomStats struct {
	Rooms   int
	Members int
	// sends skipped because a peer was not writable
	Skipped uint64
}

type SweepResult struct {
	EvictedUsers   int
	DestroyedRooms int
}

// the single authoritative registry of rooms, keyed by template id
// each room is mutated under its own lock, so events for one room are totally ordered
// while different rooms proceed in parallel. Broadcasts are enqueued under the room lock,
// which is safe because `Peer.Send` never blocks.
type RoomManager struct {
	settings *RoomManagerSettings

	stateLock sync.RWMutex
	// template id -> room
	rooms map[string]*room

	skippedCount atomic.Uint64

	log LogFunction
}

func NewRoomManagerWithDefaults() *RoomManager {
	return NewRoomManager(DefaultRoomManagerSettings())
}

func NewRoomManager(settings *RoomManagerSettings) *RoomManager {
	return &RoomManager{
		settings: settings,
		rooms:    map[string]*room{},
		log:      LogFn(1, "rm"),
	}
}

func (self *RoomManager) Settings() *RoomManagerSettings {
	return self.settings
}

// creates the room if absent, then creates or refreshes the user
// the joining peer receives `room_state`, then every member receives the roster
func (self *RoomManager) Join(templateId string, userId string, username string, avatar string, peer Peer) *RoomSnapshot {
	var snapshot *RoomSnapshot
	self.withRoom(templateId, true, func(r *room, now time.Time) {
		if username == "" {
			if existing, ok := r.users[userId]; ok {
				username = existing.Username
			} else {
				username = generatedUsername()
			}
		}
		user := r.addOrRefresh(userId, username, avatar, peer, now)
		self.log("join %s %s (%s)", r.roomId, user.Id, user.Username)

		snapshot = r.snapshot(self.settings.ChangeBackfill)
		self.send(peer, RequireEncodeMessage(MessageTypeRoomState, snapshot))
		self.broadcastRoster(r)
	})
	return snapshot
}

func (self *RoomManager) Leave(templateId string, userId string) {
	self.leave(templateId, userId, nil)
}

// removes the user only if `peer` is still the user's connection
// a connection that closes after its user reconnected on a new connection is ignored
func (self *RoomManager) LeavePeer(templateId string, userId string, peer Peer) {
	self.leave(templateId, userId, peer)
}

func (self *RoomManager) leave(templateId string, userId string, peer Peer) {
	found := self.withRoom(templateId, false, func(r *room, now time.Time) {
		if _, ok := r.users[userId]; !ok {
			glog.Infof("[rm]leave drop %s %s not a member\n", r.roomId, userId)
			return
		}
		if peer != nil && r.peers[userId] != peer {
			self.log("leave %s %s stale connection", r.roomId, userId)
			return
		}
		self.removeMember(r, userId, now)
	})
	if !found {
		glog.Infof("[rm]leave drop %s no room\n", templateId)
	}
}

func (self *RoomManager) UpdateCursor(templateId string, userId string, update CursorUpdate) bool {
	applied := false
	found := self.withRoom(templateId, false, func(r *room, now time.Time) {
		user, ok := r.users[userId]
		if !ok {
			glog.Infof("[rm]cursor drop %s %s not a member\n", r.roomId, userId)
			return
		}
		cursor := &CursorPosition{
			UserId:       userId,
			CursorUpdate: update,
			Timestamp:    now,
		}
		r.cursors[userId] = cursor
		r.touchUser(user, now)

		message := RequireEncodeMessage(MessageTypeCursorUpdate, &CursorBroadcast{
			User: CursorUser{
				Id:       user.Id,
				Username: user.Username,
				Color:    user.Color,
			},
			CursorPosition: *cursor,
		})
		self.record(BroadcastExcept(r.peers, userId, message))
		applied = true
	})
	if !found {
		glog.Infof("[rm]cursor drop %s no room\n", templateId)
	}
	return applied
}

func (self *RoomManager) RecordChange(templateId string, userId string, changeData ChangeData) bool {
	if err := changeData.Validate(); err != nil {
		glog.Infof("[rm]change drop %s %s = %s\n", templateId, userId, err)
		return false
	}
	applied := false
	found := self.withRoom(templateId, false, func(r *room, now time.Time) {
		user, ok := r.users[userId]
		if !ok {
			glog.Infof("[rm]change drop %s %s not a member\n", r.roomId, userId)
			return
		}
		change := TemplateChange{
			Id:         NewId(),
			UserId:     userId,
			ChangeData: changeData,
			Timestamp:  now,
		}
		r.changeLog.Append(change)
		r.touchUser(user, now)

		message := RequireEncodeMessage(MessageTypeTemplateChange, &ChangeBroadcast{
			User: ChangeUser{
				UserId:   user.Id,
				Username: user.Username,
			},
			ChangeData: change,
		})
		self.record(BroadcastExcept(r.peers, userId, message))
		applied = true
	})
	if !found {
		glog.Infof("[rm]change drop %s no room\n", templateId)
	}
	return applied
}

// refreshes activity only
func (self *RoomManager) Heartbeat(templateId string, userId string) bool {
	applied := false
	self.withRoom(templateId, false, func(r *room, now time.Time) {
		if user, ok := r.users[userId]; ok {
			r.touchUser(user, now)
			applied = true
		}
	})
	return applied
}

// re-sends the full room state to one user
// a user that is not a member is added first with a generated name
func (self *RoomManager) Snapshot(templateId string, userId string, peer Peer) *RoomSnapshot {
	var snapshot *RoomSnapshot
	self.withRoom(templateId, true, func(r *room, now time.Time) {
		if user, ok := r.users[userId]; ok {
			r.peers[userId] = peer
			r.touchUser(user, now)
		} else {
			r.addOrRefresh(userId, generatedUsername(), "", peer, now)
			self.log("snapshot join %s %s", r.roomId, userId)
			defer self.broadcastRoster(r)
		}
		snapshot = r.snapshot(self.settings.ChangeBackfill)
		self.send(peer, RequireEncodeMessage(MessageTypeRoomState, snapshot))
	})
	return snapshot
}

// a copy of the room state, or nil if there is no live room
// this does not refresh any activity
func (self *RoomManager) RoomState(templateId string) *RoomSnapshot {
	var snapshot *RoomSnapshot
	self.withRoom(templateId, false, func(r *room, now time.Time) {
		snapshot = r.snapshot(self.settings.ChangeBackfill)
	})
	return snapshot
}

// all retained changes of a room in arrival order
func (self *RoomManager) Changes(templateId string) []TemplateChange {
	changes := []TemplateChange{}
	self.withRoom(templateId, false, func(r *room, now time.Time) {
		changes = r.changeLog.All()
	})
	return changes
}

func (self *RoomManager) Stats() RoomStats {
	stats := RoomStats{
		Skipped: self.skippedCount.Load(),
	}
	for _, r := range self.liveRooms() {
		r.mutex.Lock()
		if !r.closed.Load() {
			stats.Rooms += 1
			stats.Members += len(r.users)
		}
		r.mutex.Unlock()
	}
	return stats
}

func (self *RoomManager) Sweep() SweepResult {
	return self.sweepAt(self.settings.Now())
}

func (self *RoomManager) sweepAt(now time.Time) (result SweepResult) {
	for _, r := range self.liveRooms() {
		destroy := false
		func() {
			r.mutex.Lock()
			defer r.mutex.Unlock()

			if r.closed.Load() {
				return
			}

			evictedCount := 0
			for userId, user := range r.users {
				if self.settings.InactivityTimeout < now.Sub(user.LastActivity) {
					peer := r.peers[userId]
					self.removeMember(r, userId, now)
					if peer != nil {
						peer.Close()
					}
					evictedCount += 1
					glog.Infof("[reap]evict %s %s idle since %s\n", r.roomId, userId, user.LastActivity)
				}
			}
			result.EvictedUsers += evictedCount

			if len(r.users) == 0 {
				// a room emptied by this sweep has no active member left and goes now
				destroy = 0 < evictedCount || self.settings.EmptyRoomTimeout < now.Sub(r.emptySince)
			} else {
				destroy = self.settings.InactivityTimeout < now.Sub(r.lastActivity)
			}
			if destroy {
				for userId, peer := range r.peers {
					self.removeMember(r, userId, now)
					peer.Close()
				}
				r.closed.Store(true)
			}
		}()
		if destroy {
			self.stateLock.Lock()
			if self.rooms[r.templateId] == r {
				delete(self.rooms, r.templateId)
			}
			self.stateLock.Unlock()
			result.DestroyedRooms += 1
			self.log("destroy %s", r.roomId)
		}
	}
	return
}

// runs `do` with the room locked. Returns false when there is no live room
func (self *RoomManager) withRoom(templateId string, create bool, do func(r *room, now time.Time)) bool {
	for {
		r := self.getRoom(templateId, create)
		if r == nil {
			return false
		}
		r.mutex.Lock()
		if r.closed.Load() {
			// reaped between lookup and lock
			r.mutex.Unlock()
			if create {
				continue
			}
			return false
		}
		func() {
			defer r.mutex.Unlock()
			do(r, self.settings.Now())
		}()
		return true
	}
}

func (self *RoomManager) getRoom(templateId string, create bool) *room {
	if !create {
		self.stateLock.RLock()
		defer self.stateLock.RUnlock()
		return self.rooms[templateId]
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if r, ok := self.rooms[templateId]; ok && !r.closed.Load() {
		return r
	}
	r := newRoom(templateId, self.settings.ChangeLogCapacity, self.settings.Now())
	self.rooms[templateId] = r
	self.log("create %s", r.roomId)
	return r
}

func (self *RoomManager) liveRooms() []*room {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	rooms := make([]*room, 0, len(self.rooms))
	for _, r := range self.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// must be called with the room locked
func (self *RoomManager) removeMember(r *room, userId string, now time.Time) {
	delete(r.users, userId)
	delete(r.peers, userId)
	delete(r.cursors, userId)
	r.lastActivity = now
	if len(r.users) == 0 {
		r.emptySince = now
	}
	self.log("leave %s %s", r.roomId, userId)
	self.broadcastRoster(r)
}

// must be called with the room locked
func (self *RoomManager) broadcastRoster(r *room) {
	if len(r.peers) == 0 {
		return
	}
	self.record(BroadcastAll(r.peers, RequireEncodeMessage(MessageTypeUserList, r.roster())))
}

func (self *RoomManager) send(peer Peer, message []byte) {
	if !peer.Send(message) {
		self.record(BroadcastResult{Skipped: 1})
	}
}

func (self *RoomManager) record(result BroadcastResult) {
	if 0 < result.Skipped {
		self.skippedCount.Add(uint64(result.Skipped))
		glog.Infof("[rm]skipped %d peers\n", result.Skipped)
	}
}

func generatedUsername() string {
	return fmt.Sprintf("User %s", NewId().Short())
}

type room struct {
	mutex sync.Mutex

	templateId string
	roomId     string

	// user id -> *
	users   map[string]*User
	peers   map[string]Peer
	cursors map[string]*CursorPosition

	changeLog *ChangeLog

	lastActivity time.Time
	// zero while the room has members
	emptySince time.Time

	closed atomic.Bool
}

func newRoom(templateId string, changeLogCapacity int, now time.Time) *room {
	return &room{
		templateId:   templateId,
		roomId:       RoomId(templateId),
		users:        map[string]*User{},
		peers:        map[string]Peer{},
		cursors:      map[string]*CursorPosition{},
		changeLog:    NewChangeLog(changeLogCapacity),
		lastActivity: now,
		emptySince:   now,
	}
}

func (self *room) addOrRefresh(userId string, username string, avatar string, peer Peer, now time.Time) *User {
	user, ok := self.users[userId]
	if !ok {
		// the color is fixed at first creation
		user = &User{
			Id:    userId,
			Color: UserColors[len(self.users)%len(UserColors)],
		}
		self.users[userId] = user
	}
	user.Username = username
	// a rejoin without an avatar keeps the stored one
	if avatar != "" {
		user.Avatar = avatar
	}
	self.peers[userId] = peer
	self.emptySince = time.Time{}
	self.touchUser(user, now)
	return user
}

func (self *room) touchUser(user *User, now time.Time) {
	user.LastActivity = now
	self.lastActivity = now
}

func (self *room) roster() []User {
	userIds := make([]string, 0, len(self.users))
	for userId := range self.users {
		userIds = append(userIds, userId)
	}
	slices.Sort(userIds)
	users := make([]User, 0, len(userIds))
	for _, userId := range userIds {
		users = append(users, *self.users[userId])
	}
	return users
}

func (self *room) snapshot(backfill int) *RoomSnapshot {
	users := self.roster()
	cursorPositions := make([]CursorPosition, 0, len(self.cursors))
	for _, user := range users {
		if cursor, ok := self.cursors[user.Id]; ok {
			cursorPositions = append(cursorPositions, *cursor)
		}
	}
	return &RoomSnapshot{
		RoomId:          self.roomId,
		TemplateId:      self.templateId,
		Users:           users,
		CursorPositions: cursorPositions,
		LastChanges:     self.changeLog.Recent(backfill),
	}
}
