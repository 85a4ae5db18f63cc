package chatsync

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind says which slice of the store changed.
type ChangeKind string

const (
	ChangeRooms    ChangeKind = "rooms"
	ChangeMessages ChangeKind = "messages"
	ChangeTyping   ChangeKind = "typing"
	ChangeReceipts ChangeKind = "receipts"
	ChangeReset    ChangeKind = "reset"
)

// Change is delivered to store subscribers after every mutation.
type Change struct {
	Kind   ChangeKind
	RoomID string
}

// Unsubscribe removes a previously registered handler. Calling it twice is safe.
type Unsubscribe func()

// ============================================================================
// Store
// ============================================================================

// Store is the observable client-side view of rooms, messages, typing state
// and read receipts. Readers get copies; only the sync components write.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*ChatRoom
	messages map[string][]*Message
	typing   map[string]map[string]*TypingStatus
	receipts map[string]map[string]ReadReceipt

	subMu   sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rooms:    make(map[string]*ChatRoom),
		messages: make(map[string][]*Message),
		typing:   make(map[string]map[string]*TypingStatus),
		receipts: make(map[string]map[string]ReadReceipt),
		subs:     make(map[uint64]func(Change)),
	}
}

// Subscribe registers fn for every change. Handlers run synchronously after
// the mutation; panics are swallowed.
func (s *Store) Subscribe(fn func(Change)) Unsubscribe {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	handlers := make([]func(Change), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in subscriber callbacks
			h(c)
		}()
	}
}

// ── Rooms ────────────────────────────────────────────────

// SetRooms replaces the room list with a fresh server snapshot.
func (s *Store) SetRooms(rooms []ChatRoom) {
	s.mu.Lock()
	next := make(map[string]*ChatRoom, len(rooms))
	for i := range rooms {
		r := cloneRoom(&rooms[i])
		next[r.ID] = r
	}
	s.rooms = next
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRooms})
}

// UpsertRoom inserts or replaces one room.
func (s *Store) UpsertRoom(room ChatRoom) {
	s.mu.Lock()
	s.rooms[room.ID] = cloneRoom(&room)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRooms, RoomID: room.ID})
}

// RemoveRoom drops a room and everything cached for it.
func (s *Store) RemoveRoom(roomID string) bool {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	delete(s.typing, roomID)
	delete(s.receipts, roomID)
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
	}
	return ok
}

// Room returns a copy of one room.
func (s *Store) Room(roomID string) (ChatRoom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ChatRoom{}, false
	}
	return *cloneRoom(r), true
}

// Rooms returns all rooms, most recently active first.
func (s *Store) Rooms() []ChatRoom {
	s.mu.RLock()
	result := make([]ChatRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		result = append(result, *cloneRoom(r))
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		ai, aj := roomActivity(&result[i]), roomActivity(&result[j])
		if ai.Equal(aj) {
			return result[i].ID < result[j].ID
		}
		return ai.After(aj)
	})
	return result
}

// SetLastMessage updates a room's denormalized last message if msg is not
// older than the current one.
func (s *Store) SetLastMessage(roomID string, msg *Message) bool {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || msg == nil {
		s.mu.Unlock()
		return false
	}
	if r.LastMessage != nil && r.LastMessage.ID != msg.ID && msg.CreatedAt.Before(r.LastMessage.CreatedAt) {
		s.mu.Unlock()
		return false
	}
	r.LastMessage = msg.clone()
	if msg.CreatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = msg.CreatedAt
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
	return true
}

// IncrementUnread bumps the current user's unread count for a room.
func (s *Store) IncrementUnread(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if ok {
		r.UnreadCount++
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
	}
}

// ResetUnread zeroes the current user's unread count for a room.
func (s *Store) ResetUnread(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	changed := ok && r.UnreadCount != 0
	if changed {
		r.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
	}
}

// ── Messages ─────────────────────────────────────────────

// Messages returns a room's sequence in display order.
func (s *Store) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.messages[roomID]
	result := make([]Message, len(seq))
	for i, m := range seq {
		result[i] = *m.clone()
	}
	return result
}

// Message returns one message by id.
func (s *Store) Message(roomID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.messages[roomID], id); i >= 0 {
		return *s.messages[roomID][i].clone(), true
	}
	return Message{}, false
}

// HasMessage reports whether the room's sequence holds id.
func (s *Store) HasMessage(roomID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.messages[roomID], id) >= 0
}

// InsertMessage places msg by createdAt. It returns false when a message with
// the same id is already present.
func (s *Store) InsertMessage(msg *Message) bool {
	s.mu.Lock()
	if !s.insertLocked(msg) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, RoomID: msg.RoomID})
	return true
}

// MergeMessages inserts every message not yet present and returns how many
// were added.
func (s *Store) MergeMessages(roomID string, msgs []*Message) int {
	s.mu.Lock()
	added := 0
	for _, m := range msgs {
		if m == nil || m.RoomID != roomID {
			continue
		}
		if s.insertLocked(m) {
			added++
		}
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
	}
	return added
}

func (s *Store) insertLocked(msg *Message) bool {
	seq := s.messages[msg.RoomID]
	if indexOf(seq, msg.ID) >= 0 {
		return false
	}
	// After every message not newer than msg, so equal timestamps keep
	// arrival order.
	pos := sort.Search(len(seq), func(i int) bool {
		return seq[i].CreatedAt.After(msg.CreatedAt)
	})
	seq = append(seq, nil)
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = msg.clone()
	s.messages[msg.RoomID] = seq
	return true
}

// ReplaceMessage swaps the temporary message for the server's copy in the same
// position. When the server copy is already present (its echo won the race)
// the temporary one is dropped instead. It reports whether the server message
// ended up in the old slot.
func (s *Store) ReplaceMessage(roomID, tempID string, msg *Message) bool {
	s.mu.Lock()
	seq := s.messages[roomID]
	ti := indexOf(seq, tempID)
	si := indexOf(seq, msg.ID)

	var replaced bool
	switch {
	case si >= 0 && ti >= 0:
		s.messages[roomID] = append(seq[:ti:ti], seq[ti+1:]...)
	case si >= 0:
		// already reconciled
	case ti >= 0:
		seq[ti] = msg.clone()
		replaced = true
	default:
		s.insertLocked(msg)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
	return replaced
}

// RemoveMessage deletes one message.
func (s *Store) RemoveMessage(roomID, id string) bool {
	s.mu.Lock()
	seq := s.messages[roomID]
	i := indexOf(seq, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[roomID] = append(seq[:i:i], seq[i+1:]...)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
	return true
}

// RemoveMessageAnywhere deletes a message when its room is not known.
func (s *Store) RemoveMessageAnywhere(id string) (string, bool) {
	s.mu.Lock()
	for roomID, seq := range s.messages {
		if i := indexOf(seq, id); i >= 0 {
			s.messages[roomID] = append(seq[:i:i], seq[i+1:]...)
			s.mu.Unlock()
			s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
			return roomID, true
		}
	}
	s.mu.Unlock()
	return "", false
}

// ClearMessages empties a room's sequence.
func (s *Store) ClearMessages(roomID string) {
	s.mu.Lock()
	delete(s.messages, roomID)
	if r, ok := s.rooms[roomID]; ok {
		r.LastMessage = nil
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
}

// ── Typing ───────────────────────────────────────────────

// SetTyping records another user's typing state.
func (s *Store) SetTyping(st TypingStatus) {
	s.mu.Lock()
	byUser := s.typing[st.RoomID]
	if byUser == nil {
		byUser = make(map[string]*TypingStatus)
		s.typing[st.RoomID] = byUser
	}
	cp := st
	byUser[st.UserID] = &cp
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeTyping, RoomID: st.RoomID})
}

// Typing returns the users currently typing in a room.
func (s *Store) Typing(roomID string) []TypingStatus {
	s.mu.RLock()
	var result []TypingStatus
	for _, st := range s.typing[roomID] {
		if st.IsTyping {
			result = append(result, *st)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// TypingStatus returns the tracked entry for (room, user).
func (s *Store) TypingStatus(roomID, userID string) (TypingStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.typing[roomID][userID]
	if !ok {
		return TypingStatus{}, false
	}
	return *st, true
}

// SweepTyping flips entries not updated within ttl to not-typing and returns
// how many changed.
func (s *Store) SweepTyping(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	var rooms []string
	flipped := 0
	for roomID, byUser := range s.typing {
		changed := false
		for _, st := range byUser {
			if st.IsTyping && now.Sub(st.LastUpdated) >= ttl {
				st.IsTyping = false
				changed = true
				flipped++
			}
		}
		if changed {
			rooms = append(rooms, roomID)
		}
	}
	s.mu.Unlock()

	for _, roomID := range rooms {
		s.notify(Change{Kind: ChangeTyping, RoomID: roomID})
	}
	return flipped
}

// ── Receipts ─────────────────────────────────────────────

// PutReceipt records a read high-water mark. Older receipts are ignored.
func (s *Store) PutReceipt(r ReadReceipt) bool {
	s.mu.Lock()
	byUser := s.receipts[r.RoomID]
	if byUser == nil {
		byUser = make(map[string]ReadReceipt)
		s.receipts[r.RoomID] = byUser
	}
	if prev, ok := byUser[r.UserID]; ok && r.Timestamp.Before(prev.Timestamp) {
		s.mu.Unlock()
		return false
	}
	byUser[r.UserID] = r
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReceipts, RoomID: r.RoomID})
	return true
}

// Receipt returns a user's read mark in a room.
func (s *Store) Receipt(roomID, userID string) (ReadReceipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[roomID][userID]
	return r, ok
}

// UnreadSince counts messages in the room created after the user's read mark
// and not sent by that user.
func (s *Store) UnreadSince(roomID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark := s.receipts[roomID][userID].Timestamp
	n := 0
	for _, m := range s.messages[roomID] {
		if m.SenderID != userID && m.CreatedAt.After(mark) {
			n++
		}
	}
	return n
}

// Reset empties the store, e.g. on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = make(map[string]*ChatRoom)
	s.messages = make(map[string][]*Message)
	s.typing = make(map[string]map[string]*TypingStatus)
	s.receipts = make(map[string]map[string]ReadReceipt)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset})
}

// ============================================================================
// Helpers
// ============================================================================

func indexOf(seq []*Message, id string) int {
	for i, m := range seq {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func cloneRoom(r *ChatRoom) *ChatRoom {
	c := *r
	c.ParticipantIDs = append([]string(nil), r.ParticipantIDs...)
	c.LastMessage = r.LastMessage.clone()
	return &c
}

func roomActivity(r *ChatRoom) time.Time {
	if r.LastMessage != nil && r.LastMessage.CreatedAt.After(r.UpdatedAt) {
		return r.LastMessage.CreatedAt
	}
	return r.UpdatedAt
}
