package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatgate/internal/config"
)

var (
	// ErrRoomNotFound is returned when an operation targets a room that is not live.
	ErrRoomNotFound = errors.New("room not found")
	// ErrIDSpaceExhausted is returned when every id draw collided with a live room.
	ErrIDSpaceExhausted = errors.New("room id space exhausted")
	// ErrSessionClosed is returned when a session already removed on disconnect
	// tries to occupy a room.
	ErrSessionClosed = errors.New("session closed")
)

type room struct {
	id        string
	name      string
	creatorID string
	createdAt time.Time
	members   map[*Session]struct{}
	// pendingCreator occupies the room between create and the creator's first join.
	pendingCreator *Session
}

func (r *room) occupied() bool {
	return len(r.members) > 0 || r.pendingCreator != nil
}

// RoomInfo is a point-in-time snapshot of a live room.
type RoomInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CreatorSessionID string    `json:"creatorSessionId"`
	Members          int       `json:"members"`
	CreatorPending   bool      `json:"creatorPending"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Option customises a Registry.
type Option func(*Registry)

// WithIDGenerator replaces the crypto/rand id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Registry) { r.genID = gen }
}

// WithClock replaces time.Now for room creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns every live room and the membership of every attached session.
// All methods are safe for concurrent use; a single mutex covers the room map
// and the membership sets of all sessions.
type Registry struct {
	logger      *zap.Logger
	genID       IDGenerator
	maxAttempts int
	now         func() time.Time

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil; cfg must have passed validation.
func NewRegistry(logger *zap.Logger, cfg config.RoomConfig, opts ...Option) *Registry {
	r := &Registry{
		logger:      logger,
		genID:       RandomIDGenerator(cfg.IDLength),
		maxAttempts: cfg.MaxIDAttempts,
		now:         time.Now,
		rooms:       make(map[string]*room),
		sessions:    make(map[string]*Session),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach records a freshly authenticated session as live.
//
// Postcondition: Returns ErrSessionClosed if the session was already removed,
// or an error if another live session holds the same ID.
func (r *Registry) Attach(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.detached {
		return fmt.Errorf("attaching %s: %w", s.ID, ErrSessionClosed)
	}
	if existing, ok := r.sessions[s.ID]; ok && existing != s {
		return fmt.Errorf("session %q already attached", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// CreateRoom stores a new room named name with creator as its pending
// occupant. The creator is not joined.
//
// Precondition: creator must be non-nil.
// Postcondition: Returns the new room id, ErrSessionClosed for a removed
// creator, or ErrIDSpaceExhausted when every draw collided.
func (r *Registry) CreateRoom(name string, creator *Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if creator.detached {
		return "", fmt.Errorf("creating room: %w", ErrSessionClosed)
	}

	id, err := r.freshID()
	if err != nil {
		r.logger.Error("room id generation failed",
			zap.String("connection_id", creator.ID),
			zap.Int("live_rooms", len(r.rooms)),
			zap.Error(err),
		)
		return "", err
	}

	r.rooms[id] = &room{
		id:             id,
		name:           name,
		creatorID:      creator.ID,
		createdAt:      r.now(),
		members:        make(map[*Session]struct{}),
		pendingCreator: creator,
	}
	creator.pending[id] = struct{}{}

	r.logger.Debug("room created",
		zap.String("room_id", id),
		zap.String("room_name", name),
		zap.String("connection_id", creator.ID),
	)
	return id, nil
}

// freshID must be called with r.mu held.
func (r *Registry) freshID() (string, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		id, err := r.genID()
		if err != nil {
			return "", fmt.Errorf("generating room id: %w", err)
		}
		if _, taken := r.rooms[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%d attempts: %w", r.maxAttempts, ErrIDSpaceExhausted)
}

// JoinRoom adds s to the members of roomID. Joining a room s already belongs
// to re-asserts membership.
//
// Postcondition: Returns the room's name, or ErrRoomNotFound / ErrSessionClosed.
func (r *Registry) JoinRoom(roomID string, s *Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.detached {
		return "", fmt.Errorf("joining %s: %w", roomID, ErrSessionClosed)
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("joining %s: %w", roomID, ErrRoomNotFound)
	}

	rm.members[s] = struct{}{}
	s.memberOf[roomID] = struct{}{}
	if rm.pendingCreator == s {
		rm.pendingCreator = nil
		delete(s.pending, roomID)
	}
	return rm.name, nil
}

// LeaveRoom removes s from roomID. The room is deleted in the same critical
// section if nobody occupies it afterwards. Unknown rooms and non-members are
// ignored.
func (r *Registry) LeaveRoom(roomID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, s)
}

func (r *Registry) leaveLocked(roomID string, s *Session) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, s)
	delete(s.memberOf, roomID)
	if rm.pendingCreator == s {
		rm.pendingCreator = nil
		delete(s.pending, roomID)
	}
	if !rm.occupied() {
		delete(r.rooms, roomID)
		r.logger.Debug("room deleted",
			zap.String("room_id", roomID),
			zap.Duration("lifetime", r.now().Sub(rm.createdAt)),
		)
	}
}

// RemoveSessionEverywhere leaves every room s occupies and detaches it so no
// later call can re-attach it. Calls after the first are no-ops.
func (r *Registry) RemoveSessionEverywhere(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.detached {
		return
	}
	s.detached = true
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}

	for _, roomID := range lo.Union(lo.Keys(s.memberOf), lo.Keys(s.pending)) {
		r.leaveLocked(roomID, s)
	}
}

// Broadcast delivers payload to every member of roomID except sender. The
// member set is snapshotted under the lock; delivery happens after it is
// released. Delivery failures are logged and skipped.
//
// Postcondition: Returns the number of members the payload was enqueued for.
func (r *Registry) Broadcast(roomID string, sender *Session, payload []byte) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	recipients := lo.Filter(lo.Keys(rm.members), func(s *Session, _ int) bool {
		return s != sender
	})
	r.mu.Unlock()

	delivered := 0
	for _, s := range recipients {
		if err := s.Deliver(payload); err != nil {
			r.logger.Debug("broadcast delivery failed",
				zap.String("room_id", roomID),
				zap.String("connection_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// IsMember reports whether s has joined roomID.
func (r *Registry) IsMember(roomID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := rm.members[s]
	return member
}

// MemberOf returns the sorted ids of the rooms s has joined.
func (r *Registry) MemberOf(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := lo.Keys(s.memberOf)
	sort.Strings(ids)
	return ids
}

// Rooms returns a snapshot of every live room ordered by creation time.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	infos := lo.MapToSlice(r.rooms, func(id string, rm *room) RoomInfo {
		return RoomInfo{
			ID:               id,
			Name:             rm.name,
			CreatorSessionID: rm.creatorID,
			Members:          len(rm.members),
			CreatorPending:   rm.pendingCreator != nil,
			CreatedAt:        rm.createdAt,
		}
	})
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Stats returns the number of live rooms and attached sessions.
func (r *Registry) Stats() (rooms, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.sessions)
}
