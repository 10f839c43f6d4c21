package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.Seed(&Fixtures{
		Businesses: []model.Business{{ID: "b1", Name: "TechHub"}},
		Users:      []model.User{{ID: "u1", BusinessID: "b1", Name: "Ana"}},
		Stages: []model.Stage{
			{ID: "s-default", BusinessID: "b1", Name: "greeting", Type: model.StageTypeDefault, GenerationTemplateID: "t1"},
			{ID: "s-agent", BusinessID: "b1", AgentID: "a1", Name: "agent greeting", Type: model.StageTypeDefault, GenerationTemplateID: "t1"},
			{ID: "s-other", BusinessID: "b2", Name: "other", Type: model.StageTypeDefault, GenerationTemplateID: "t1"},
		},
		Templates: []model.Template{{ID: "t1", BusinessID: "b1", Content: "hi"}},
	})
	return s
}

func TestMemoryDefaultStagePrefersAgent(t *testing.T) {
	tx, err := seededStore().Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	st, err := tx.GetDefaultStage(context.Background(), "b1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "s-agent", st.ID)

	st, err = tx.GetDefaultStage(context.Background(), "b1", "")
	require.NoError(t, err)
	assert.Equal(t, "s-default", st.ID)

	_, err = tx.GetDefaultStage(context.Background(), "b9", "")
	assert.True(t, errx.IsKind(err, errx.KindNotFound))

	stages, err := tx.ListStages(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, stages, 2)
}

func TestMemoryWritesInvisibleUntilCommit(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	conv := &model.Conversation{ID: "c1", BusinessID: "b1", UserID: "u1", SessionID: "default", Status: model.ConversationActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, tx.CreateConversation(ctx, conv))
	require.NoError(t, tx.InsertMessage(ctx, &model.Message{ID: "m1", ConversationID: "c1", SenderType: model.SenderUser, Content: "hi"}))

	found, err := tx.FindOpenConversation(ctx, "b1", "u1", "default")
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ID)
	msgs, err := tx.ListMessages(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = s.GetConversation(ctx, "c1")
	assert.True(t, errx.IsKind(err, errx.KindNotFound))

	require.NoError(t, tx.Rollback(ctx))
	_, err = s.GetConversation(ctx, "c1")
	assert.True(t, errx.IsKind(err, errx.KindNotFound))
	assert.Empty(t, s.Messages("c1"))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateConversation(ctx, conv))
	require.NoError(t, tx.InsertMessage(ctx, &model.Message{ID: "m1", ConversationID: "c1", Content: "hi"}))
	require.NoError(t, tx.InsertExtractedData(ctx, &model.ExtractedData{ID: "e1", ConversationID: "c1"}))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BusinessID)
	assert.Len(t, s.Messages("c1"), 1)
	assert.Len(t, s.ExtractedData("c1"), 1)
}

func TestMemoryListMessagesKeepsLatest(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.CreateConversation(ctx, &model.Conversation{ID: "c1"}))
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, tx.InsertMessage(ctx, &model.Message{ID: id, ConversationID: "c1"}))
	}
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	msgs, err := tx.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestMemoryUpdateMissingConversation(t *testing.T) {
	tx, _ := seededStore().Begin(context.Background())
	err := tx.UpdateConversation(context.Background(), &model.Conversation{ID: "nope"})
	assert.True(t, errx.IsKind(err, errx.KindNotFound))
}

func TestMemoryLockSerializesUntilTxEnds(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	first, _ := s.Begin(ctx)
	require.NoError(t, first.LockConversation(ctx, "conversation:c1"))
	require.NoError(t, first.LockConversation(ctx, "conversation:c1"))

	second, _ := s.Begin(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := second.LockConversation(waitCtx, "conversation:c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() { acquired <- second.LockConversation(ctx, "conversation:c1") }()
	require.NoError(t, first.Commit(ctx))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock not released on commit")
	}
	require.NoError(t, second.Rollback(ctx))

	third, _ := s.Begin(ctx)
	require.NoError(t, third.LockConversation(ctx, "conversation:c1"))
	require.NoError(t, third.Rollback(ctx))
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"businesses":[{"id":"b1","name":"TechHub"}],"stages":[{"id":"s1","business_id":"b1","name":"greeting","type":"default","generation_template_id":"t1"}]}`), 0o600))

	f, err := LoadFixtures(path)
	require.NoError(t, err)
	require.Len(t, f.Stages, 1)
	assert.Equal(t, "t1", f.Stages[0].GenerationTemplateID)

	_, err = LoadFixtures(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
