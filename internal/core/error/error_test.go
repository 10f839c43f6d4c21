package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfFollowsWrapChain(t *testing.T) {
	err := fmt.Errorf("load stage: %w", NotFound(errors.New("no rows"), "stage not found"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRecoverableKinds(t *testing.T) {
	assert.True(t, IsRecoverable(StageTransition(errors.New("x"))))
	assert.True(t, IsRecoverable(Extraction(errors.New("x"))))
	assert.True(t, IsRecoverable(WrapRedis(errors.New("dial tcp"))))
	assert.False(t, IsRecoverable(LLMService(errors.New("x"))))
	assert.False(t, IsRecoverable(Database(errors.New("x"))))
}

func TestPublicHidesInternalDetail(t *testing.T) {
	status, msg := Public(Database(errors.New("pq: relation \"secret\" does not exist")))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, DatabaseErrorMessage, msg)

	status, msg = Public(errors.New("raw"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, SystemErrorMessage, msg)

	status, msg = Public(Validation("content is required"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "content is required", msg)
}

func TestWrapRedis(t *testing.T) {
	assert.Nil(t, WrapRedis(nil))
	nf := WrapRedis(redis.Nil)
	require.NotNil(t, nf)
	assert.Equal(t, KindNotFound, nf.Kind)
	assert.True(t, errors.Is(nf, redis.Nil))

	ce := WrapRedis(errors.New("connection refused"))
	assert.Equal(t, KindCache, ce.Kind)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
}

func TestWrapPostgres(t *testing.T) {
	nf := WrapPostgres(pgx.ErrNoRows, "conversation")
	assert.Equal(t, KindNotFound, nf.Kind)
	assert.Equal(t, "conversation not found", nf.Message)
	assert.Equal(t, KindDatabase, WrapPostgres(errors.New("conn reset"), "conversation").Kind)
}

func TestAsReturnsAppError(t *testing.T) {
	var target *AppError
	err := fmt.Errorf("outer: %w", LLMService(errors.New("503")))
	require.True(t, errors.As(err, &target))
	assert.Equal(t, KindLLMService, target.Kind)
	assert.True(t, errors.Is(err, &AppError{Kind: KindLLMService}))
}
