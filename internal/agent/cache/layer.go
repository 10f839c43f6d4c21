package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

const (
	defaultPrefix = "turnflow"
	defaultTTL    = 15 * time.Minute
)

// Observer counts soft failures. *observability.Metrics satisfies it.
type Observer interface {
	CacheSoftFailure(op string)
}

// TurnSnapshot is the committed state of one turn.
type TurnSnapshot struct {
	Conversation  *model.Conversation
	Stage         *model.Stage
	ExtractedData *model.ExtractedData
}

// Layer namespaces entity keys over a Client. Every failure is soft: it is
// logged, counted and reported to the caller as a miss. A nil *Layer is a
// disabled cache.
type Layer struct {
	client   Client
	prefix   string
	ttl      time.Duration
	observer Observer
}

type LayerOption func(*Layer)

func WithObserver(o Observer) LayerOption {
	return func(l *Layer) { l.observer = o }
}

func NewLayer(client Client, cfg model.CacheConfig, opts ...LayerOption) *Layer {
	l := &Layer{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
	if l.prefix == "" {
		l.prefix = defaultPrefix
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) conversationKey(id string) string {
	return l.prefix + ":conversation:" + id
}

func (l *Layer) conversationStageKey(id string) string {
	return l.prefix + ":conversation:" + id + ":stage"
}

func (l *Layer) conversationVersionKey(id string) string {
	return l.prefix + ":conversation:" + id + ":version"
}

func (l *Layer) extractedKey(conversationID string) string {
	return l.prefix + ":conversation:" + conversationID + ":extracted"
}

func (l *Layer) stageKey(id string) string {
	return l.prefix + ":stage:" + id
}

func (l *Layer) businessStagesKey(businessID string) string {
	return l.prefix + ":business:" + businessID + ":stages"
}

func (l *Layer) templateKey(id string) string {
	return l.prefix + ":template:" + id
}

func (l *Layer) enabled() bool {
	return l != nil && l.client != nil
}

// ================ Reads ================

// Stage and Template hits slide the entry's TTL forward.
func (l *Layer) Stage(ctx context.Context, id string) (*model.Stage, bool) {
	var s model.Stage
	if !l.getJSON(ctx, "stage", l.stageKey(id), &s) {
		return nil, false
	}
	l.touch(ctx, "stage", l.stageKey(id))
	return &s, true
}

func (l *Layer) Template(ctx context.Context, id string) (*model.Template, bool) {
	var t model.Template
	if !l.getJSON(ctx, "template", l.templateKey(id), &t) {
		return nil, false
	}
	l.touch(ctx, "template", l.templateKey(id))
	return &t, true
}

func (l *Layer) BusinessStages(ctx context.Context, businessID string) ([]model.Stage, bool) {
	var stages []model.Stage
	if !l.getJSON(ctx, "business_stages", l.businessStagesKey(businessID), &stages) {
		return nil, false
	}
	return stages, true
}

func (l *Layer) Conversation(ctx context.Context, id string) (*model.Conversation, bool) {
	var c model.Conversation
	if !l.getJSON(ctx, "conversation", l.conversationKey(id), &c) {
		return nil, false
	}
	return &c, true
}

// ConversationStageID returns the committed stage id of a conversation.
func (l *Layer) ConversationStageID(ctx context.Context, id string) (string, bool) {
	b, ok := l.get(ctx, "conversation_stage", l.conversationStageKey(id))
	if !ok || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func (l *Layer) ExtractedData(ctx context.Context, conversationID string) (*model.ExtractedData, bool) {
	var d model.ExtractedData
	if !l.getJSON(ctx, "extracted", l.extractedKey(conversationID), &d) {
		return nil, false
	}
	return &d, true
}

// ================ Writes ================

func (l *Layer) PutStage(ctx context.Context, s *model.Stage) {
	if s == nil {
		return
	}
	l.setJSON(ctx, "stage", l.stageKey(s.ID), s)
}

func (l *Layer) PutTemplate(ctx context.Context, t *model.Template) {
	if t == nil {
		return
	}
	l.setJSON(ctx, "template", l.templateKey(t.ID), t)
}

func (l *Layer) PutBusinessStages(ctx context.Context, businessID string, stages []model.Stage) {
	l.setJSON(ctx, "business_stages", l.businessStagesKey(businessID), stages)
}

// PutConversation writes committed conversation state under its version
// guard, so a snapshot older than the cached one is dropped.
func (l *Layer) PutConversation(ctx context.Context, c *model.Conversation) {
	if !l.enabled() || c == nil {
		return
	}
	body, err := json.Marshal(c)
	if err != nil {
		l.soft("conversation", l.conversationKey(c.ID), err)
		return
	}
	written, err := l.client.SetIfNewer(ctx, l.conversationVersionKey(c.ID), c.Version, l.ttl,
		Entry{Key: l.conversationKey(c.ID), Value: body},
		Entry{Key: l.conversationStageKey(c.ID), Value: []byte(c.StageID)},
	)
	if err != nil {
		l.soft("conversation", l.conversationKey(c.ID), err)
		return
	}
	if !written {
		logx.Debug().
			Str("conversation_id", c.ID).
			Int64("version", c.Version).
			Msg("cache holds a newer conversation version; write skipped")
	}
}

// WriteTurn mirrors a committed turn. Call it only after the transaction
// that produced snap has committed.
func (l *Layer) WriteTurn(ctx context.Context, snap TurnSnapshot) {
	if !l.enabled() || snap.Conversation == nil {
		return
	}
	l.PutConversation(ctx, snap.Conversation)
	l.PutStage(ctx, snap.Stage)
	if snap.ExtractedData != nil {
		l.setJSON(ctx, "extracted", l.extractedKey(snap.Conversation.ID), snap.ExtractedData)
	}
}

// ================ Invalidation ================

// InvalidateConversation drops everything cached for a conversation except
// its version key, which keeps guarding against late writes.
func (l *Layer) InvalidateConversation(ctx context.Context, id string) {
	l.del(ctx, "invalidate_conversation",
		l.conversationKey(id),
		l.conversationStageKey(id),
		l.extractedKey(id),
	)
}

// InvalidateStage drops a stage and its business stage list.
func (l *Layer) InvalidateStage(ctx context.Context, stageID, businessID string) {
	keys := []string{l.stageKey(stageID)}
	if businessID != "" {
		keys = append(keys, l.businessStagesKey(businessID))
	}
	l.del(ctx, "invalidate_stage", keys...)
}

func (l *Layer) InvalidateTemplate(ctx context.Context, id string) {
	l.del(ctx, "invalidate_template", l.templateKey(id))
}

// ================ Helpers ================

func (l *Layer) get(ctx context.Context, op, key string) ([]byte, bool) {
	if !l.enabled() {
		return nil, false
	}
	b, err := l.client.Get(ctx, key)
	if err != nil {
		if !errx.IsKind(err, errx.KindNotFound) {
			l.soft(op, key, err)
		}
		return nil, false
	}
	return b, true
}

func (l *Layer) getJSON(ctx context.Context, op, key string, dst any) bool {
	b, ok := l.get(ctx, op, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		l.soft(op, key, err)
		return false
	}
	return true
}

func (l *Layer) setJSON(ctx context.Context, op, key string, v any) {
	if !l.enabled() {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		l.soft(op, key, err)
		return
	}
	if err := l.client.Set(ctx, key, body, l.ttl); err != nil {
		l.soft(op, key, err)
	}
}

func (l *Layer) touch(ctx context.Context, op, key string) {
	if err := l.client.Expire(ctx, key, l.ttl); err != nil {
		l.soft(op, key, err)
	}
}

func (l *Layer) del(ctx context.Context, op string, keys ...string) {
	if !l.enabled() {
		return
	}
	if err := l.client.Delete(ctx, keys...); err != nil {
		l.soft(op, keys[0], err)
	}
}

func (l *Layer) soft(op, key string, err error) {
	logx.Warn().
		Err(err).
		Str("op", op).
		Str("key", key).
		Msg("cache soft failure; continuing without cache")
	if l.observer != nil {
		l.observer.CacheSoftFailure(op)
	}
}
