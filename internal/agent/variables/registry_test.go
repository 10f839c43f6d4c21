package variables

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

func testContext() model.VarContext {
	return model.VarContext{
		Business:     &model.Business{ID: "biz-1", Name: "TechHub", Attributes: map[string]any{"product": "Plan X"}},
		User:         &model.User{ID: "user-1", BusinessID: "biz-1", Name: "Ana", Attributes: map[string]any{"tier": "gold"}},
		Conversation: &model.Conversation{ID: "conv-1", BusinessID: "biz-1", UserID: "user-1"},
		Stage:        &model.Stage{ID: "stage-1", Name: "greeting"},
		Message:      "hello",
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, model.VarContext) (string, error) { return "", nil }

	require.Error(t, r.Register("", fn, Meta{}))
	require.Error(t, r.Register("has space", fn, Meta{}))
	require.Error(t, r.Register("ok", nil, Meta{}))
	require.NoError(t, r.Register("ok", fn, Meta{}))
	require.Error(t, r.Register("ok", fn, Meta{}))
	assert.Equal(t, []string{"ok"}, r.Names())
}

func TestResolveUnknownStrictAndLenient(t *testing.T) {
	ctx := context.Background()

	strict := NewRegistry(WithStrict(true))
	_, err := strict.Resolve(ctx, "missing", testContext())
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindVariableResolution))

	lenient := NewRegistry()
	v, err := lenient.Resolve(ctx, "missing", testContext())
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestResolverErrorPropagatesOnlyInStrictMode(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("crm down")
	fn := func(context.Context, model.VarContext) (string, error) { return "", boom }

	strict := NewRegistry(WithStrict(true))
	require.NoError(t, strict.Register("crm", fn, Meta{}))
	_, err := strict.Resolve(ctx, "crm", testContext())
	require.ErrorIs(t, err, boom)

	lenient := NewRegistry()
	require.NoError(t, lenient.Register("crm", fn, Meta{}))
	v, err := lenient.Resolve(ctx, "crm", testContext())
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestResolveCachesPerScopeUntilTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(withClock(func() time.Time { return now }))

	calls := 0
	require.NoError(t, r.Register("score", func(_ context.Context, vc model.VarContext) (string, error) {
		calls++
		return vc.UserID(), nil
	}, Meta{CacheTTL: time.Minute, Scope: ScopeUser}))

	vc := testContext()
	for i := 0; i < 3; i++ {
		v, err := r.Resolve(ctx, "score", vc)
		require.NoError(t, err)
		assert.Equal(t, "user-1", v)
	}
	assert.Equal(t, 1, calls)

	other := testContext()
	other.User = &model.User{ID: "user-2"}
	v, err := r.Resolve(ctx, "score", other)
	require.NoError(t, err)
	assert.Equal(t, "user-2", v)
	assert.Equal(t, 2, calls)

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(ctx, "score", vc)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestResolveWithoutTTLAlwaysCallsResolver(t *testing.T) {
	r := NewRegistry()
	calls := 0
	require.NoError(t, r.Register("n", func(context.Context, model.VarContext) (string, error) {
		calls++
		return "x", nil
	}, Meta{Scope: ScopeUser}))
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), "n", testContext())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestAuthRequirement(t *testing.T) {
	r := NewRegistry(WithStrict(true))
	require.NoError(t, RegisterBuiltins(r))

	anon := model.VarContext{Business: &model.Business{ID: "biz-1", Name: "TechHub"}}
	_, err := r.Resolve(context.Background(), "user_name", anon)
	require.Error(t, err)

	v, err := r.Resolve(context.Background(), "business_name", anon)
	require.NoError(t, err)
	assert.Equal(t, "TechHub", v)
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry(WithStrict(true))
	require.NoError(t, RegisterBuiltins(r))
	require.NoError(t, RegisterAttributes(r, "business", "product"))
	require.NoError(t, RegisterAttributes(r, "user", "tier"))
	require.Error(t, RegisterAttributes(r, "order", "total"))

	vc := testContext()
	vc.ExtractedData = &model.ExtractedData{Success: true, Payload: json.RawMessage(`{"qty":2}`)}
	ctx := context.Background()

	cases := map[string]string{
		"user_name":        "Ana",
		"user_id":          "user-1",
		"business_name":    "TechHub",
		"business_id":      "biz-1",
		"conversation_id":  "conv-1",
		"stage_id":         "stage-1",
		"stage_name":       "greeting",
		"message":          "hello",
		"extracted_data":   `{"qty":2}`,
		"business.product": "Plan X",
		"user.tier":        "gold",
	}
	for name, want := range cases {
		got, err := r.Resolve(ctx, name, vc)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	vc.ExtractedData = &model.ExtractedData{Success: false, RawText: "sure, ok"}
	got, err := r.Resolve(ctx, "extracted_data", vc)
	require.NoError(t, err)
	assert.Equal(t, "sure, ok", got)
}
