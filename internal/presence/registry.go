// Package presence tracks live sessions, room membership and typing state in
// process memory. Registry is the single owner of that state; swapping it for
// a shared store is how presence would scale past one process.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Session is one live transport connection of a user.
type Session struct {
	ID          string
	UserID      string
	Username    string
	ConnectedAt time.Time
}

// Departure describes what removing a session released.
type Departure struct {
	Session Session
	// WentOffline is set when this was the user's last session.
	WentOffline bool
	// Rooms the session had joined.
	Rooms []string
	// StoppedTyping lists conversations the user was typing in.
	StoppedTyping []string
}

type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	users        map[string]map[string]struct{}
	rooms        map[string]map[string]struct{}
	sessionRooms map[string]map[string]struct{}
	typing       map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]Session),
		users:        make(map[string]map[string]struct{}),
		rooms:        make(map[string]map[string]struct{}),
		sessionRooms: make(map[string]map[string]struct{}),
		typing:       make(map[string]map[string]struct{}),
	}
}

func addTo(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	if _, exists := set[member]; exists {
		return false
	}
	set[member] = struct{}{}
	return true
}

func removeFrom(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		return false
	}
	if _, exists := set[member]; !exists {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
	return true
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Add registers a session and reports whether it is the user's first.
func (r *Registry) Add(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	first := len(r.users[s.UserID]) == 0
	addTo(r.users, s.UserID, s.ID)
	return first
}

// Remove drops a session and releases its rooms. The user stops typing in a
// conversation once none of their sessions is left in its room, and
// everywhere once the last session is gone. Removing an unknown session
// returns false.
func (r *Registry) Remove(sessionID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Departure{}, false
	}
	delete(r.sessions, sessionID)
	removeFrom(r.users, s.UserID, sessionID)

	d := Departure{Session: s, WentOffline: len(r.users[s.UserID]) == 0}

	d.Rooms = keys(r.sessionRooms[sessionID])
	for _, room := range d.Rooms {
		removeFrom(r.rooms, room, sessionID)
	}
	delete(r.sessionRooms, sessionID)

	released := make(map[string]bool, len(d.Rooms))
	for _, room := range d.Rooms {
		released[room] = !r.userInRoomLocked(s.UserID, room)
	}
	for conversationID, typers := range r.typing {
		if _, ok := typers[s.UserID]; !ok {
			continue
		}
		if !d.WentOffline && !released[conversationID] {
			continue
		}
		removeFrom(r.typing, conversationID, s.UserID)
		d.StoppedTyping = append(d.StoppedTyping, conversationID)
	}
	sort.Strings(d.StoppedTyping)

	return d, true
}

// Join subscribes a session to a room. It reports false when the session was
// already in the room or is unknown.
func (r *Registry) Join(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	if !addTo(r.rooms, room, sessionID) {
		return false
	}
	addTo(r.sessionRooms, sessionID, room)
	return true
}

// Leave unsubscribes a session from a room and reports whether it was in it.
func (r *Registry) Leave(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !removeFrom(r.rooms, room, sessionID) {
		return false
	}
	removeFrom(r.sessionRooms, sessionID, room)
	return true
}

// RoomSessions returns the sessions subscribed to room.
func (r *Registry) RoomSessions(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[room])
}

// UserSessions returns userID's open sessions.
func (r *Registry) UserSessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.users[userID])
}

// AllSessions returns every open session.
func (r *Registry) AllSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserInRoom reports whether any of userID's sessions is in room.
func (r *Registry) UserInRoom(userID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userInRoomLocked(userID, room)
}

func (r *Registry) userInRoomLocked(userID, room string) bool {
	members := r.rooms[room]
	for sessionID := range r.users[userID] {
		if _, ok := members[sessionID]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers returns a sorted snapshot of users with at least one session.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// SessionCount returns how many sessions userID has open.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Counts returns the total number of sessions and of online users.
func (r *Registry) Counts() (sessions, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.users)
}

// SetTyping records whether userID is typing in a conversation and reports
// whether that changed anything.
func (r *Registry) SetTyping(conversationID, userID string, isTyping bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isTyping {
		return addTo(r.typing, conversationID, userID)
	}
	return removeFrom(r.typing, conversationID, userID)
}

// TypingUsers returns who is typing in a conversation.
func (r *Registry) TypingUsers(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.typing[conversationID])
}
