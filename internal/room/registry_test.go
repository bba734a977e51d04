package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/chatgate/internal/auth"
	"github.com/cory-johannsen/chatgate/internal/config"
)

var testRoomConfig = config.RoomConfig{IDLength: 10, MaxIDAttempts: 16}

type fataler interface {
	Fatalf(format string, args ...any)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(zaptest.NewLogger(t), testRoomConfig, opts...)
}

func newTestSession(id, name string) *Session {
	return NewSession(id, auth.Identity{ID: "user-" + id, DisplayName: name}, 8)
}

// sequenceGenerator returns ids in order, then repeats the last one.
func sequenceGenerator(ids ...string) IDGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id, nil
	}
}

// checkInvariants verifies bidirectional membership consistency and that no
// unoccupied room is live.
func checkInvariants(t fataler, r *Registry, sessions []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rm := range r.rooms {
		if !rm.occupied() {
			t.Fatalf("room %s is live with no occupants", id)
		}
		for s := range rm.members {
			if s.detached {
				t.Fatalf("room %s holds detached session %s", id, s.ID)
			}
			if _, ok := s.memberOf[id]; !ok {
				t.Fatalf("room %s lists %s but session does not list room", id, s.ID)
			}
		}
		if p := rm.pendingCreator; p != nil {
			if _, ok := p.pending[id]; !ok {
				t.Fatalf("room %s pending creator %s does not list room", id, p.ID)
			}
		}
	}
	for _, s := range sessions {
		for id := range s.memberOf {
			rm, ok := r.rooms[id]
			if !ok {
				t.Fatalf("session %s lists dead room %s", s.ID, id)
			}
			if _, ok := rm.members[s]; !ok {
				t.Fatalf("session %s lists room %s which does not list it", s.ID, id)
			}
		}
		for id := range s.pending {
			rm, ok := r.rooms[id]
			if !ok || rm.pendingCreator != s {
				t.Fatalf("session %s pending on room %s it does not occupy", s.ID, id)
			}
		}
	}
}

func receive(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame := <-s.Outbox().Events():
		return frame
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.ID)
		return nil
	}
}

func assertNothingQueued(t *testing.T, s *Session) {
	t.Helper()
	assert.Zero(t, len(s.Outbox().Events()), "session %s has queued frames", s.ID)
}

func TestRegistry_CreateRoomLeavesCreatorPending(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := newTestRegistry(t, WithClock(func() time.Time { return created }))
	a := newTestSession("a", "Alice")

	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)
	assert.Len(t, id, 10)
	assert.False(t, r.IsMember(id, a))

	rooms := r.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, RoomInfo{
		ID:               id,
		Name:             "general",
		CreatorSessionID: "a",
		Members:          0,
		CreatorPending:   true,
		CreatedAt:        created,
	}, rooms[0])
	checkInvariants(t, r, []*Session{a})
}

func TestRegistry_JoinUnknownRoom(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.JoinRoom("nope", newTestSession("a", "Alice"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegistry_JoinIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")
	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		name, err := r.JoinRoom(id, b)
		require.NoError(t, err)
		assert.Equal(t, "general", name)
	}
	assert.Equal(t, []string{id}, r.MemberOf(b))
	assert.Equal(t, 1, r.Rooms()[0].Members)
	checkInvariants(t, r, []*Session{a, b})
}

func TestRegistry_CreatorJoinClearsPending(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)

	_, err = r.JoinRoom(id, a)
	require.NoError(t, err)

	info := r.Rooms()[0]
	assert.False(t, info.CreatorPending)
	assert.Equal(t, 1, info.Members)
	checkInvariants(t, r, []*Session{a})
}

func TestRegistry_PendingCreatorLeaveDeletesRoom(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)

	r.LeaveRoom(id, a)

	assert.Empty(t, r.Rooms())
	_, err = r.JoinRoom(id, a)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegistry_RoomSurvivesWhileCreatorPending(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")
	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)

	_, err = r.JoinRoom(id, b)
	require.NoError(t, err)
	r.LeaveRoom(id, b)

	_, err = r.JoinRoom(id, a)
	assert.NoError(t, err, "room must stay joinable while its creator has not joined")
}

func TestRegistry_LeaveNoops(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")
	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)
	_, err = r.JoinRoom(id, a)
	require.NoError(t, err)

	r.LeaveRoom("missing", a)
	r.LeaveRoom(id, b)

	assert.True(t, r.IsMember(id, a))
	checkInvariants(t, r, []*Session{a, b})
}

func TestRegistry_GeneralScenario(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")

	r1, err := r.CreateRoom("general", a)
	require.NoError(t, err)

	name, err := r.JoinRoom(r1, a)
	require.NoError(t, err)
	assert.Equal(t, "general", name)
	name, err = r.JoinRoom(r1, b)
	require.NoError(t, err)
	assert.Equal(t, "general", name)

	assert.Equal(t, 1, r.Broadcast(r1, a, []byte("hi")))
	assert.Equal(t, []byte("hi"), receive(t, b))
	assertNothingQueued(t, a)

	r.RemoveSessionEverywhere(b)
	assert.True(t, r.IsMember(r1, a))
	require.Len(t, r.Rooms(), 1)

	r.LeaveRoom(r1, a)
	assert.Empty(t, r.Rooms())

	c := newTestSession("c", "Carol")
	_, err = r.JoinRoom(r1, c)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	checkInvariants(t, r, []*Session{a, b, c})
}

func TestRegistry_BroadcastUnknownRoom(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, 0, r.Broadcast("missing", newTestSession("a", "Alice"), []byte("x")))
}

func TestRegistry_BroadcastSkipsFailedMembers(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	full := NewSession("full", auth.Identity{ID: "u-full", DisplayName: "Full"}, 1)
	gone := newTestSession("gone", "Gone")
	c := newTestSession("c", "Carol")

	id, err := r.CreateRoom("general", a)
	require.NoError(t, err)
	for _, s := range []*Session{a, full, gone, c} {
		_, err := r.JoinRoom(id, s)
		require.NoError(t, err)
	}
	require.NoError(t, full.Deliver([]byte("backlog")))
	require.NoError(t, gone.Close())

	assert.Equal(t, 1, r.Broadcast(id, a, []byte("hi")))
	assert.Equal(t, []byte("hi"), receive(t, c))
}

func TestRegistry_RemoveSessionEverywhere(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")
	require.NoError(t, r.Attach(a))
	require.NoError(t, r.Attach(b))

	shared, err := r.CreateRoom("shared", b)
	require.NoError(t, err)
	_, err = r.JoinRoom(shared, b)
	require.NoError(t, err)
	_, err = r.JoinRoom(shared, a)
	require.NoError(t, err)

	var solo []string
	for i := 0; i < 3; i++ {
		id, err := r.CreateRoom(fmt.Sprintf("solo-%d", i), a)
		require.NoError(t, err)
		_, err = r.JoinRoom(id, a)
		require.NoError(t, err)
		solo = append(solo, id)
	}
	pendingOnly, err := r.CreateRoom("never-joined", a)
	require.NoError(t, err)

	rooms, sessions := r.Stats()
	assert.Equal(t, 5, rooms)
	assert.Equal(t, 2, sessions)

	r.RemoveSessionEverywhere(a)
	r.RemoveSessionEverywhere(a)

	assert.Empty(t, r.MemberOf(a))
	rooms, sessions = r.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, sessions)
	for _, id := range append(solo, pendingOnly) {
		_, err := r.JoinRoom(id, b)
		assert.ErrorIs(t, err, ErrRoomNotFound, "room %s should be gone", id)
	}
	assert.True(t, r.IsMember(shared, b))
	checkInvariants(t, r, []*Session{a, b})
}

func TestRegistry_DetachedSessionCannotReturn(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestSession("a", "Alice")
	b := newTestSession("b", "Bob")
	id, err := r.CreateRoom("general", b)
	require.NoError(t, err)

	r.RemoveSessionEverywhere(a)

	_, err = r.JoinRoom(id, a)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = r.CreateRoom("again", a)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, r.Attach(a), ErrSessionClosed)
}

func TestRegistry_AttachDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Attach(newTestSession("a", "Alice")))
	assert.Error(t, r.Attach(newTestSession("a", "Impostor")))
}

func TestRegistry_IDCollisionRedrawn(t *testing.T) {
	r := newTestRegistry(t, WithIDGenerator(sequenceGenerator("aaaaaa", "aaaaaa", "bbbbbb")))
	a := newTestSession("a", "Alice")

	first, err := r.CreateRoom("one", a)
	require.NoError(t, err)
	second, err := r.CreateRoom("two", a)
	require.NoError(t, err)

	assert.Equal(t, "aaaaaa", first)
	assert.Equal(t, "bbbbbb", second)
	assert.Len(t, r.Rooms(), 2)
}

func TestRegistry_IDSpaceExhausted(t *testing.T) {
	r := newTestRegistry(t, WithIDGenerator(sequenceGenerator("same00")))
	a := newTestSession("a", "Alice")

	_, err := r.CreateRoom("one", a)
	require.NoError(t, err)
	_, err = r.CreateRoom("two", a)
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)

	rooms := r.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "one", rooms[0].Name, "existing room must not be overwritten")
}

func TestRegistry_IDGeneratorError(t *testing.T) {
	boom := errors.New("entropy unavailable")
	r := newTestRegistry(t, WithIDGenerator(func() (string, error) { return "", boom }))
	_, err := r.CreateRoom("one", newTestSession("a", "Alice"))
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_ConcurrentJoinLeaveDisconnect(t *testing.T) {
	r := newTestRegistry(t)
	owner := newTestSession("owner", "Owner")
	id, err := r.CreateRoom("busy", owner)
	require.NoError(t, err)
	_, err = r.JoinRoom(id, owner)
	require.NoError(t, err)

	const n = 100
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newTestSession(fmt.Sprintf("s%d", i), fmt.Sprintf("User%d", i))
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(s *Session, i int) {
			defer wg.Done()
			_, _ = r.JoinRoom(id, s)
			r.Broadcast(id, s, []byte("x"))
			if i%2 == 0 {
				r.LeaveRoom(id, s)
			} else {
				r.RemoveSessionEverywhere(s)
			}
		}(sessions[i], i)
	}
	wg.Wait()

	checkInvariants(t, r, append(sessions, owner))
	assert.True(t, r.IsMember(id, owner))
	require.Len(t, r.Rooms(), 1)
	assert.Equal(t, 1, r.Rooms()[0].Members)
}

func TestPropertyMembershipConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(zap.NewNop(), testRoomConfig)
		numSessions := rapid.IntRange(1, 6).Draw(t, "num_sessions")
		sessions := make([]*Session, numSessions)
		for i := range sessions {
			sessions[i] = newTestSession(fmt.Sprintf("s%d", i), fmt.Sprintf("User%d", i))
		}
		var roomIDs []string

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			s := sessions[rapid.IntRange(0, numSessions-1).Draw(t, "session")]
			pickRoom := func() string {
				if len(roomIDs) == 0 {
					return "missing"
				}
				return roomIDs[rapid.IntRange(0, len(roomIDs)-1).Draw(t, "room")]
			}

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				id, err := r.CreateRoom("room", s)
				if err == nil {
					roomIDs = append(roomIDs, id)
				} else if !errors.Is(err, ErrSessionClosed) {
					t.Fatalf("create: %v", err)
				}
			case 1:
				id := pickRoom()
				_, err := r.JoinRoom(id, s)
				if err != nil && !errors.Is(err, ErrRoomNotFound) && !errors.Is(err, ErrSessionClosed) {
					t.Fatalf("join: %v", err)
				}
				if err == nil && !r.IsMember(id, s) {
					t.Fatalf("join of %s succeeded without membership", id)
				}
			case 2:
				id := pickRoom()
				r.LeaveRoom(id, s)
				if r.IsMember(id, s) {
					t.Fatalf("still a member of %s after leave", id)
				}
			case 3:
				r.RemoveSessionEverywhere(s)
				if len(r.MemberOf(s)) != 0 {
					t.Fatalf("session %s still holds rooms after disconnect", s.ID)
				}
			}
			checkInvariants(t, r, sessions)
		}
	})
}
