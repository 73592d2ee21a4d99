package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/model"
)

// MemoryStore keeps messages in per-conversation shards so writers to
// different conversations only meet on the short id-index critical section.
type MemoryStore struct {
	mu      sync.RWMutex
	shards  map[string]*shard // conversation id -> shard
	index   map[string]string // message id -> conversation id
	members []model.Member
	byWaID  map[string]int
	closed  bool
}

type shard struct {
	mu       sync.RWMutex
	messages []model.Message // insertion order
	pos      map[string]int  // message id -> position in messages
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards: make(map[string]*shard),
		index:  make(map[string]string),
		byWaID: make(map[string]int),
	}
}

// reserve claims id for conversationID and returns the conversation shard.
// It reports false when the id is already taken.
func (s *MemoryStore) reserve(id, conversationID string) (*shard, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, model.ErrStorageUnavailable
	}
	if _, exists := s.index[id]; exists {
		return nil, false, nil
	}
	s.index[id] = conversationID

	sh, ok := s.shards[conversationID]
	if !ok {
		sh = &shard{pos: make(map[string]int)}
		s.shards[conversationID] = sh
	}
	return sh, true, nil
}

func (sh *shard) add(msg model.Message) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pos[msg.ID] = len(sh.messages)
	sh.messages = append(sh.messages, msg)
}

// Append implements MessageStore.
func (s *MemoryStore) Append(_ context.Context, msg *model.Message) (*model.Message, error) {
	stored, err := prepareAppend(msg)
	if err != nil {
		return nil, err
	}
	sh, ok, err := s.reserve(stored.ID, stored.ConversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: message %s", model.ErrConflict, stored.ID)
	}
	sh.add(stored)
	return &stored, nil
}

// Import implements MessageStore.
func (s *MemoryStore) Import(_ context.Context, msg *model.Message) (bool, error) {
	stored, err := prepareImport(msg)
	if err != nil {
		return false, err
	}
	sh, ok, err := s.reserve(stored.ID, stored.ConversationID)
	if err != nil || !ok {
		return false, err
	}
	sh.add(stored)
	return true, nil
}

func (s *MemoryStore) shard(conversationID string) (*shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, model.ErrStorageUnavailable
	}
	return s.shards[conversationID], nil
}

// Messages implements MessageStore.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]model.Message, error) {
	sh, err := s.shard(conversationID)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return []model.Message{}, nil
	}
	out := sh.snapshot()
	sortByTimestamp(out)
	return out, nil
}

func (sh *shard) snapshot() []model.Message {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]model.Message, len(sh.messages))
	copy(out, sh.messages)
	return out
}

// All implements MessageStore.
func (s *MemoryStore) All(_ context.Context) ([]model.Message, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, model.ErrStorageUnavailable
	}
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var out []model.Message
	for _, sh := range shards {
		out = append(out, sh.snapshot()...)
	}
	if out == nil {
		out = []model.Message{}
	}
	return out, nil
}

func (s *MemoryStore) locate(id string) (*shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, model.ErrStorageUnavailable
	}
	conversationID, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	return s.shards[conversationID], nil
}

// UpdateStatus implements MessageStore.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status model.Status, statusTimestamp int64) (model.MatchResult, error) {
	sh, err := s.locate(id)
	if err != nil || sh == nil {
		return model.MatchResult{}, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	i, ok := sh.pos[id]
	if !ok {
		return model.MatchResult{}, nil
	}
	ts := statusTimestamp
	sh.messages[i].Status = status
	sh.messages[i].StatusTimestamp = &ts
	return model.MatchResult{Matched: true}, nil
}

// FindByID implements MessageStore.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.Message, error) {
	sh, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, id)
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	i, ok := sh.pos[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, id)
	}
	msg := sh.messages[i]
	return &msg, nil
}

// Members implements MemberStore.
func (s *MemoryStore) Members(_ context.Context) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, model.ErrStorageUnavailable
	}
	out := make([]model.Member, len(s.members))
	copy(out, s.members)
	return out, nil
}

// CreateMember implements MemberStore.
func (s *MemoryStore) CreateMember(_ context.Context, member model.Member) (*model.Member, error) {
	if err := member.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrStorageUnavailable
	}
	if _, exists := s.byWaID[member.WaID]; exists {
		return nil, fmt.Errorf("%w: member %s", model.ErrConflict, member.WaID)
	}
	s.byWaID[member.WaID] = len(s.members)
	s.members = append(s.members, member)
	return &member, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.ErrStorageUnavailable
	}
	return nil
}

// Close implements Store. Every later call returns model.ErrStorageUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
