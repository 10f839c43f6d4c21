// Package repo implements the transactional store behind the pipeline.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

// Fixtures seeds a MemoryStore with configuration rows.
type Fixtures struct {
	Businesses []model.Business `json:"businesses"`
	Users      []model.User     `json:"users"`
	Stages     []model.Stage    `json:"stages"`
	Templates  []model.Template `json:"templates"`
}

// LoadFixtures reads Fixtures from a JSON file.
func LoadFixtures(path string) (*Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return &f, nil
}

// MemoryStore keeps every row in process. Turn writes are buffered in the
// transaction and applied on Commit; LockConversation holds keyed locks until
// the transaction ends.
type MemoryStore struct {
	mu            sync.RWMutex
	businesses    map[string]model.Business
	users         map[string]model.User
	stages        map[string]model.Stage
	templates     map[string]model.Template
	conversations map[string]model.Conversation
	messages      map[string][]model.Message
	extracted     map[string][]model.ExtractedData

	locks *keyedLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		businesses:    make(map[string]model.Business),
		users:         make(map[string]model.User),
		stages:        make(map[string]model.Stage),
		templates:     make(map[string]model.Template),
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
		extracted:     make(map[string][]model.ExtractedData),
		locks:         newKeyedLocks(),
	}
}

func (s *MemoryStore) Seed(f *Fixtures) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range f.Businesses {
		s.businesses[b.ID] = b
	}
	for _, u := range f.Users {
		s.users[u.ID] = u
	}
	for _, st := range f.Stages {
		s.stages[st.ID] = st
	}
	for _, t := range f.Templates {
		s.templates[t.ID] = t
	}
}

func (s *MemoryStore) PutStage(st model.Stage) {
	s.mu.Lock()
	s.stages[st.ID] = st
	s.mu.Unlock()
}

func (s *MemoryStore) PutTemplate(t model.Template) {
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
}

func (s *MemoryStore) DeleteTemplate(id string) {
	s.mu.Lock()
	delete(s.templates, id)
	s.mu.Unlock()
}

// Messages returns committed messages of a conversation in order.
func (s *MemoryStore) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages[conversationID]...)
}

// ExtractedData returns committed extraction rows of a conversation.
func (s *MemoryStore) ExtractedData(conversationID string) []model.ExtractedData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ExtractedData(nil), s.extracted[conversationID]...)
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, errx.NotFound(nil, "conversation not found")
	}
	return &c, nil
}

func (s *MemoryStore) Begin(context.Context) (model.Tx, error) {
	return &memTx{
		store:         s,
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
	}, nil
}

type memTx struct {
	store *MemoryStore
	held  []string
	done  bool

	conversations map[string]model.Conversation
	order         []string
	messages      map[string][]model.Message
	extracted     []model.ExtractedData
}

func (t *memTx) LockConversation(ctx context.Context, key string) error {
	if t.done {
		return errx.Database(fmt.Errorf("transaction closed"))
	}
	for _, k := range t.held {
		if k == key {
			return nil
		}
	}
	if err := t.store.locks.lock(ctx, key); err != nil {
		return err
	}
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) GetStage(_ context.Context, id string) (*model.Stage, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	st, ok := t.store.stages[id]
	if !ok {
		return nil, errx.NotFound(nil, "stage not found")
	}
	return &st, nil
}

func (t *memTx) GetDefaultStage(_ context.Context, businessID, agentID string) (*model.Stage, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var fallback *model.Stage
	for _, id := range sortedKeys(t.store.stages) {
		st := t.store.stages[id]
		if st.BusinessID != businessID || st.Type != model.StageTypeDefault {
			continue
		}
		if agentID != "" && st.AgentID == agentID {
			return &st, nil
		}
		if st.AgentID == "" && fallback == nil {
			fallback = &st
		}
	}
	if fallback == nil {
		return nil, errx.NotFound(nil, "default stage not found")
	}
	return fallback, nil
}

func (t *memTx) ListStages(_ context.Context, businessID string) ([]model.Stage, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []model.Stage
	for _, id := range sortedKeys(t.store.stages) {
		if st := t.store.stages[id]; st.BusinessID == businessID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *memTx) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	tpl, ok := t.store.templates[id]
	if !ok {
		return nil, errx.NotFound(nil, "template not found")
	}
	return &tpl, nil
}

func (t *memTx) GetBusiness(_ context.Context, id string) (*model.Business, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.businesses[id]
	if !ok {
		return nil, errx.NotFound(nil, "business not found")
	}
	return &b, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	u, ok := t.store.users[id]
	if !ok {
		return nil, errx.NotFound(nil, "user not found")
	}
	return &u, nil
}

func (t *memTx) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if c, ok := t.conversations[id]; ok {
		return &c, nil
	}
	return t.store.GetConversation(ctx, id)
}

func (t *memTx) FindOpenConversation(_ context.Context, businessID, userID, sessionID string) (*model.Conversation, error) {
	match := func(c model.Conversation) bool {
		return c.BusinessID == businessID && c.UserID == userID && c.SessionID == sessionID && c.Status == model.ConversationActive
	}
	for _, id := range t.order {
		if c := t.conversations[id]; match(c) {
			return &c, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var best *model.Conversation
	for _, c := range t.store.conversations {
		if !match(c) {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return nil, errx.NotFound(nil, "conversation not found")
	}
	return best, nil
}

func (t *memTx) CreateConversation(_ context.Context, c *model.Conversation) error {
	if _, ok := t.conversations[c.ID]; ok {
		return errx.Database(fmt.Errorf("conversation %s exists", c.ID))
	}
	t.store.mu.RLock()
	_, exists := t.store.conversations[c.ID]
	t.store.mu.RUnlock()
	if exists {
		return errx.Database(fmt.Errorf("conversation %s exists", c.ID))
	}
	t.conversations[c.ID] = *c
	t.order = append(t.order, c.ID)
	return nil
}

func (t *memTx) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	if _, err := t.GetConversation(ctx, c.ID); err != nil {
		return err
	}
	if _, ok := t.conversations[c.ID]; !ok {
		t.order = append(t.order, c.ID)
	}
	t.conversations[c.ID] = *c
	return nil
}

func (t *memTx) InsertMessage(_ context.Context, m *model.Message) error {
	t.messages[m.ConversationID] = append(t.messages[m.ConversationID], *m)
	return nil
}

func (t *memTx) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	t.store.mu.RLock()
	msgs := append([]model.Message(nil), t.store.messages[conversationID]...)
	t.store.mu.RUnlock()
	msgs = append(msgs, t.messages[conversationID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (t *memTx) InsertExtractedData(_ context.Context, d *model.ExtractedData) error {
	t.extracted = append(t.extracted, *d)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return errx.Database(fmt.Errorf("transaction closed"))
	}
	s := t.store
	s.mu.Lock()
	for _, id := range t.order {
		s.conversations[id] = t.conversations[id]
	}
	for id, msgs := range t.messages {
		s.messages[id] = append(s.messages[id], msgs...)
	}
	for _, d := range t.extracted {
		s.extracted[d.ConversationID] = append(s.extracted[d.ConversationID], d)
	}
	s.mu.Unlock()
	t.finish()
	return nil
}

// Rollback discards buffered writes. It is a no-op after Commit.
func (t *memTx) Rollback(context.Context) error {
	if !t.done {
		t.finish()
	}
	return nil
}

func (t *memTx) finish() {
	t.done = true
	for i := len(t.held) - 1; i >= 0; i-- {
		t.store.locks.unlock(t.held[i])
	}
	t.held = nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// keyedLocks is a set of context-aware mutexes created on first use.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]chan struct{})}
}

func (k *keyedLocks) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

func (k *keyedLocks) lock(ctx context.Context, key string) error {
	select {
	case k.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyedLocks) unlock(key string) {
	<-k.slot(key)
}

var (
	_ model.Store = (*MemoryStore)(nil)
	_ model.Tx    = (*memTx)(nil)
)
