package timeline

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Outcome describes what Append did with a message.
type Outcome int

const (
	// Ignored means the message was a duplicate, stale, or invalid.
	Ignored Outcome = iota
	// Inserted means a new entry was added.
	Inserted
	// Merged means an existing entry with the same id took the newer fields.
	Merged
	// Confirmed means an optimistic entry was replaced by its server copy.
	Confirmed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Merged:
		return "merged"
	case Confirmed:
		return "confirmed"
	default:
		return "ignored"
	}
}

// Change is the payload of message.* bus events.
type Change struct {
	ConversationID string
	Messages       []Message
	// RetiredTempID is set when an optimistic entry was confirmed.
	RetiredTempID string
}

// Store is the ordered, deduplicated message log of one conversation.
//
// All mutations go through the store's mutex, which is the single update path
// for the conversation. Methods never return errors: invalid input is logged
// and ignored so the render path is never disrupted.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	entries        []*Message
	byID           map[string]*Message
	byTemp         map[string]*Message
	retired        map[string]string // temp id -> server id
	bus            *bus.Bus
	logger         *zap.Logger
}

// New creates an empty store for a conversation. b and logger may be nil.
func New(conversationID string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		conversationID: conversationID,
		byID:           make(map[string]*Message),
		byTemp:         make(map[string]*Message),
		retired:        make(map[string]string),
		bus:            b,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Append inserts msg in (CreatedAt, Key) order.
//
// A message whose id is already stored is merged only when its status is
// strictly later in transition order. A message whose TempID matches a live
// optimistic entry replaces that entry in place and retires the temp id.
func (s *Store) Append(msg Message) Outcome {
	s.mu.Lock()
	outcome, change := s.appendLocked(msg)
	s.mu.Unlock()

	s.publish(outcome, change)
	return outcome
}

// BatchResult counts the outcomes of AppendBatch.
type BatchResult struct {
	Inserted  int
	Merged    int
	Confirmed int
}

// Changed returns how many messages were inserted or changed an entry.
func (r BatchResult) Changed() int { return r.Inserted + r.Merged + r.Confirmed }

// AppendBatch appends several messages under one lock.
func (s *Store) AppendBatch(msgs []Message) BatchResult {
	var changed []Message
	var inserted []Message
	var confirmed []Change

	s.mu.Lock()
	for _, m := range msgs {
		outcome, change := s.appendLocked(m)
		switch outcome {
		case Inserted:
			inserted = append(inserted, change.Messages...)
		case Merged:
			changed = append(changed, change.Messages...)
		case Confirmed:
			confirmed = append(confirmed, change)
		}
	}
	s.mu.Unlock()

	if len(inserted) > 0 {
		s.publishKind(bus.KindMessageAppended, Change{ConversationID: s.conversationID, Messages: inserted})
	}
	if len(changed) > 0 {
		s.publishKind(bus.KindMessageUpdated, Change{ConversationID: s.conversationID, Messages: changed})
	}
	for _, c := range confirmed {
		s.publishKind(bus.KindMessageUpdated, c)
	}
	return BatchResult{Inserted: len(inserted), Merged: len(changed), Confirmed: len(confirmed)}
}

func (s *Store) appendLocked(msg Message) (Outcome, Change) {
	if !s.validLocked(&msg) {
		return Ignored, Change{}
	}
	m := msg.Clone()

	if m.ID != "" {
		if existing, ok := s.byID[m.ID]; ok {
			return s.mergeLocked(existing, &m)
		}
		if m.TempID != "" {
			if optimistic, ok := s.byTemp[m.TempID]; ok {
				return s.confirmLocked(optimistic, &m)
			}
		}
	} else if existing, ok := s.byTemp[m.TempID]; ok {
		return s.mergeLocked(existing, &m)
	} else if _, ok := s.retired[m.TempID]; ok {
		s.logger.Debug("ignoring optimistic copy of confirmed message", zap.String("temp_id", m.TempID))
		return Ignored, Change{}
	}

	stored := &m
	s.insertLocked(stored)
	if stored.ID != "" {
		s.byID[stored.ID] = stored
	} else {
		s.byTemp[stored.TempID] = stored
	}
	return Inserted, Change{ConversationID: s.conversationID, Messages: []Message{stored.Clone()}}
}

func (s *Store) validLocked(m *Message) bool {
	switch {
	case m.ID == "" && m.TempID == "":
		s.logger.Warn("ignoring message without id or temp id")
		return false
	case m.ConversationID != "" && m.ConversationID != s.conversationID:
		s.logger.Warn("ignoring message for another conversation",
			zap.String("msg_conversation_id", m.ConversationID), zap.String("msg_id", m.Key()))
		return false
	case m.CreatedAt.IsZero():
		s.logger.Warn("ignoring message without created_at", zap.String("msg_id", m.Key()))
		return false
	case !m.Status.Valid():
		s.logger.Warn("ignoring message with unknown status",
			zap.String("msg_id", m.Key()), zap.String("status", string(m.Status)))
		return false
	}
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	return true
}

// mergeLocked applies incoming to existing when incoming's status is strictly later.
func (s *Store) mergeLocked(existing, incoming *Message) (Outcome, Change) {
	if !incoming.Status.Later(existing.Status) {
		return Ignored, Change{}
	}
	existing.Status = incoming.Status
	mergeFields(existing, incoming)
	return Merged, Change{ConversationID: s.conversationID, Messages: []Message{existing.Clone()}}
}

// confirmLocked turns an optimistic entry into its server-confirmed copy.
func (s *Store) confirmLocked(optimistic, confirmed *Message) (Outcome, Change) {
	idx := s.indexLocked(optimistic)
	tempID := optimistic.TempID

	optimistic.ID = confirmed.ID
	optimistic.CreatedAt = confirmed.CreatedAt
	if confirmed.SenderID != "" {
		optimistic.SenderID = confirmed.SenderID
	}
	if CanTransition(optimistic.Status, confirmed.Status) {
		optimistic.Status = confirmed.Status
	} else if !optimistic.Status.Confirmed() {
		optimistic.Status = StatusSent
	}
	mergeFields(optimistic, confirmed)

	delete(s.byTemp, tempID)
	s.retired[tempID] = confirmed.ID
	s.byID[confirmed.ID] = optimistic

	// Stay at the same render position unless the server timestamp breaks ordering.
	if idx >= 0 && !s.orderedAtLocked(idx) {
		s.entries = slices.Delete(s.entries, idx, idx+1)
		s.insertLocked(optimistic)
	}
	return Confirmed, Change{
		ConversationID: s.conversationID,
		Messages:       []Message{optimistic.Clone()},
		RetiredTempID:  tempID,
	}
}

func mergeFields(dst, src *Message) {
	if src.SenderID != "" && dst.SenderID == "" {
		dst.SenderID = src.SenderID
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.MediaRef != "" {
		dst.MediaRef = src.MediaRef
	}
	if src.ReplyToID != "" {
		dst.ReplyToID = src.ReplyToID
	}
	if src.DeliveredAt != nil && dst.DeliveredAt == nil {
		dst.DeliveredAt = cloneTime(src.DeliveredAt)
	}
	if src.ReadAt != nil && dst.ReadAt == nil {
		dst.ReadAt = cloneTime(src.ReadAt)
	}
	if src.EditedAt != nil && (dst.EditedAt == nil || src.EditedAt.After(*dst.EditedAt)) {
		dst.EditedAt = cloneTime(src.EditedAt)
	}
}

// ApplyPatch applies p to the message identified by key (server id or live
// temp id). A patch carrying a status regression is rejected as a whole.
// Content edits are last-write-wins on EditedAt. Returns whether anything changed.
func (s *Store) ApplyPatch(key string, p Patch) bool {
	if p.Empty() {
		return false
	}

	s.mu.Lock()
	m, ok := s.lookupLocked(key)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("ignoring patch for unknown message", zap.String("msg_id", key))
		return false
	}
	if p.Status != nil && !CanTransition(m.Status, *p.Status) {
		s.mu.Unlock()
		s.logger.Warn("rejecting status regression",
			zap.String("msg_id", key),
			zap.String("from", string(m.Status)),
			zap.String("to", string(*p.Status)))
		return false
	}

	changed := false
	if p.Status != nil && m.Status != *p.Status {
		m.Status = *p.Status
		changed = true
	}
	editWins := p.EditedAt == nil || m.EditedAt == nil || p.EditedAt.After(*m.EditedAt)
	if editWins {
		if p.Content != nil && m.Content != *p.Content {
			m.Content = *p.Content
			changed = true
		}
		if p.MediaRef != nil && m.MediaRef != *p.MediaRef {
			m.MediaRef = *p.MediaRef
			changed = true
		}
		if p.EditedAt != nil && (p.Content != nil || p.MediaRef != nil) {
			m.EditedAt = cloneTime(p.EditedAt)
			changed = true
		}
	}
	if p.DeliveredAt != nil && m.DeliveredAt == nil {
		m.DeliveredAt = cloneTime(p.DeliveredAt)
		changed = true
	}
	if p.ReadAt != nil && m.ReadAt == nil {
		m.ReadAt = cloneTime(p.ReadAt)
		changed = true
	}
	var snapshot Message
	if changed {
		snapshot = m.Clone()
	}
	s.mu.Unlock()

	if changed {
		s.publishKind(bus.KindMessageUpdated, Change{ConversationID: s.conversationID, Messages: []Message{snapshot}})
	}
	return changed
}

// Remove hard-deletes a message by server id or live temp id.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	m, ok := s.lookupLocked(key)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if idx := s.indexLocked(m); idx >= 0 {
		s.entries = slices.Delete(s.entries, idx, idx+1)
	}
	s.forgetLocked(m)
	removed := m.Clone()
	s.mu.Unlock()

	s.publishKind(bus.KindMessageRemoved, Change{ConversationID: s.conversationID, Messages: []Message{removed}})
	return true
}

// TrimOldest drops the oldest entries so that at most keep remain, returning
// how many were dropped. Used when a conversation's window is evicted from memory.
func (s *Store) TrimOldest(keep int) int {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	drop := len(s.entries) - keep
	if drop <= 0 {
		s.mu.Unlock()
		return 0
	}
	removed := make([]Message, 0, drop)
	for _, m := range s.entries[:drop] {
		s.forgetLocked(m)
		removed = append(removed, m.Clone())
	}
	s.entries = slices.Clone(s.entries[drop:])
	s.mu.Unlock()

	s.publishKind(bus.KindMessageRemoved, Change{ConversationID: s.conversationID, Messages: removed})
	return drop
}

// Query returns up to count messages starting at index from, in order.
// The result is a copy and stays valid while the store keeps changing.
func (s *Store) Query(from, count int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= len(s.entries) || count <= 0 {
		return nil
	}
	end := min(from+count, len(s.entries))
	out := make([]Message, 0, end-from)
	for _, m := range s.entries[from:end] {
		out = append(out, m.Clone())
	}
	return out
}

// Snapshot returns every message in order.
func (s *Store) Snapshot() []Message {
	return s.Query(0, s.Len())
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get looks a message up by server id, live temp id, or retired temp id.
func (s *Store) Get(key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.lookupLocked(key)
	if !ok {
		return Message{}, false
	}
	return m.Clone(), true
}

// Resolve follows a reply-to reference. It only returns messages held in memory.
func (s *Store) Resolve(replyToID string) (Message, bool) {
	if replyToID == "" {
		return Message{}, false
	}
	return s.Get(replyToID)
}

// Oldest returns the oldest server-confirmed message.
func (s *Store) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.entries {
		if m.ID != "" {
			return m.Clone(), true
		}
	}
	return Message{}, false
}

// Newest returns the newest server-confirmed message.
func (s *Store) Newest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID != "" {
			return s.entries[i].Clone(), true
		}
	}
	return Message{}, false
}

// Has reports whether a server id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Select returns the messages matching pred, in order.
func (s *Store) Select(pred func(*Message) bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.entries {
		if pred(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// UnreadCount counts messages from other senders with no read timestamp.
func (s *Store) UnreadCount(selfID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.entries {
		if m.SenderID != selfID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

func (s *Store) lookupLocked(key string) (*Message, bool) {
	if m, ok := s.byID[key]; ok {
		return m, true
	}
	if m, ok := s.byTemp[key]; ok {
		return m, true
	}
	if id, ok := s.retired[key]; ok {
		m, ok := s.byID[id]
		return m, ok
	}
	return nil, false
}

func (s *Store) forgetLocked(m *Message) {
	if m.ID != "" {
		delete(s.byID, m.ID)
	}
	if m.TempID != "" {
		delete(s.byTemp, m.TempID)
		delete(s.retired, m.TempID)
	}
}

func (s *Store) insertLocked(m *Message) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return !before(s.entries[i], m)
	})
	s.entries = slices.Insert(s.entries, idx, m)
}

// indexLocked finds the slot holding m. m's sort key must not have changed
// since it was inserted.
func (s *Store) indexLocked(m *Message) int {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return !before(s.entries[i], m)
	})
	for i := idx; i < len(s.entries); i++ {
		if s.entries[i] == m {
			return i
		}
		if before(m, s.entries[i]) {
			break
		}
	}
	return slices.Index(s.entries, m)
}

// orderedAtLocked reports whether entries[i] is correctly placed relative to its neighbours.
func (s *Store) orderedAtLocked(i int) bool {
	m := s.entries[i]
	if i > 0 && before(m, s.entries[i-1]) {
		return false
	}
	if i < len(s.entries)-1 && before(s.entries[i+1], m) {
		return false
	}
	return true
}

func (s *Store) publish(outcome Outcome, change Change) {
	switch outcome {
	case Inserted:
		s.publishKind(bus.KindMessageAppended, change)
	case Merged, Confirmed:
		s.publishKind(bus.KindMessageUpdated, change)
	}
}

func (s *Store) publishKind(kind string, change Change) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Topic:     s.conversationID,
		Timestamp: time.Now(),
		Payload:   change,
	})
}
