// Package pipeline runs one message turn: stage resolution, the three model
// calls and persistence, inside a single transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/cache"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/conversations"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/llm"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/prompts"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/stages"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

const (
	defaultSessionID        = "default"
	defaultMaxContentLength = 10000
	outcomeOK               = "ok"
)

// Observer records turn outcomes. *observability.Metrics satisfies it.
type Observer interface {
	Turn(outcome string, latency time.Duration)
}

// Deps are the collaborators of a Pipeline. Cache may be nil.
type Deps struct {
	Store    model.Store
	Cache    *cache.Layer
	Renderer *prompts.Renderer
	Resolver *stages.Resolver
	Gateway  stages.Invoker
	History  *conversations.HistoryBuilder
}

type Pipeline struct {
	store    model.Store
	cache    *cache.Layer
	renderer *prompts.Renderer
	resolver *stages.Resolver
	gateway  stages.Invoker
	history  *conversations.HistoryBuilder
	cfg      model.PipelineConfig
	observer Observer
	now      func() time.Time
}

type Option func(*Pipeline)

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func New(deps Deps, cfg model.PipelineConfig, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline requires a store")
	case deps.Renderer == nil:
		return nil, errors.New("pipeline requires a renderer")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline requires a stage resolver")
	case deps.Gateway == nil:
		return nil, errors.New("pipeline requires an llm gateway")
	}
	if deps.History == nil {
		deps.History = conversations.NewHistoryBuilder(cfg)
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = defaultMaxContentLength
	}
	if strings.TrimSpace(cfg.DefaultSessionID) == "" {
		cfg.DefaultSessionID = defaultSessionID
	}
	p := &Pipeline{
		store:    deps.Store,
		cache:    deps.Cache,
		renderer: deps.Renderer,
		resolver: deps.Resolver,
		gateway:  deps.Gateway,
		history:  deps.History,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// turnState is what a turn accumulates before commit.
type turnState struct {
	conv         *model.Conversation
	stage        *model.Stage
	extracted    *model.ExtractedData
	response     string
	transitioned bool
	costUSD      float64
}

// ProcessMessage runs one turn. Either the whole turn commits and the cache
// is refreshed from the committed values, or nothing is persisted and the
// conversation's cache entries are dropped.
func (p *Pipeline) ProcessMessage(ctx context.Context, in model.TurnInput) (*model.TurnResult, error) {
	start := time.Now()
	in, err := p.normalize(in)
	if err != nil {
		p.observe(err, start)
		return nil, err
	}

	turnCtx, cancel := p.withDeadline(ctx)
	defer cancel()

	tx, err := p.store.Begin(turnCtx)
	if err != nil {
		return nil, p.fail(turnCtx, in, "", err, start)
	}

	st, err := p.execute(turnCtx, tx, in)
	if err == nil {
		err = tx.Commit(turnCtx)
	}
	if err != nil {
		convID := in.ConversationID
		if st != nil && st.conv != nil {
			convID = st.conv.ID
		}
		p.rollback(ctx, tx, convID)
		return nil, p.fail(turnCtx, in, convID, err, start)
	}

	p.cache.WriteTurn(context.WithoutCancel(ctx), cache.TurnSnapshot{
		Conversation:  st.conv,
		Stage:         st.stage,
		ExtractedData: st.extracted,
	})

	p.observe(nil, start)
	logx.Info().
		Str("conversation_id", st.conv.ID).
		Str("business_id", in.BusinessID).
		Str("stage_id", st.stage.ID).
		Bool("transitioned", st.transitioned).
		Bool("extracted", st.extracted != nil).
		Float64("total_cost_usd", st.costUSD).
		Dur("latency", time.Since(start)).
		Msg("turn committed")

	return &model.TurnResult{
		Response:       st.response,
		ConversationID: st.conv.ID,
		StageID:        st.stage.ID,
		ExtractedData:  st.extracted,
		Transitioned:   st.transitioned,
		CostUSD:        st.costUSD,
	}, nil
}

// execute runs everything between Begin and Commit. On error the returned state
// still carries the conversation when it was resolved.
func (p *Pipeline) execute(ctx context.Context, tx model.Tx, in model.TurnInput) (*turnState, error) {
	st := &turnState{}
	turnStart := p.now()

	conv, err := p.resolveConversation(ctx, tx, in, turnStart)
	if err != nil {
		return st, err
	}
	st.conv = conv

	stage, err := p.resolver.CurrentStage(ctx, tx, conv)
	if err != nil {
		return st, err
	}
	conv.StageID = stage.ID
	st.stage = stage

	vc, err := p.varContext(ctx, tx, in, conv, stage)
	if err != nil {
		return st, err
	}

	if stage.SelectionTemplateID != "" {
		rendered, err := p.renderer.Render(ctx, stage.SelectionTemplateID, vc, tx)
		if err != nil {
			return st, err
		}
		sel, err := p.resolver.SelectNextStage(ctx, tx, conv, stage, rendered)
		if err != nil {
			return st, err
		}
		st.costUSD += sel.CostUSD
		if sel.Transitioned {
			stage = sel.Stage
			conv.StageID = stage.ID
			vc.Stage = stage
			st.stage = stage
			st.transitioned = true
		}
	}

	if stage.ExtractionTemplateID != "" {
		data, cost, err := p.extract(ctx, tx, vc, conv, stage)
		if err != nil {
			return st, err
		}
		st.costUSD += cost
		if data != nil {
			st.extracted = data
			vc.ExtractedData = data
		}
	}

	rendered, err := p.renderer.Render(ctx, stage.GenerationTemplateID, vc, tx)
	if err != nil {
		return st, err
	}
	resp, err := p.gateway.Invoke(ctx, llm.Request{
		Kind:           llm.CallGeneration,
		Prompt:         rendered.Prompt,
		SystemPrompt:   rendered.SystemPrompt,
		ConversationID: conv.ID,
		StageID:        stage.ID,
	})
	if err != nil {
		return st, err
	}
	st.costUSD += resp.Usage.TotalCostUSD
	st.response = resp.Text

	replyAt := p.now()
	if !replyAt.After(turnStart) {
		replyAt = turnStart.Add(time.Microsecond)
	}
	if err := tx.InsertMessage(ctx, &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderType:     model.SenderUser,
		Content:        in.Content,
		CreatedAt:      turnStart,
	}); err != nil {
		return st, err
	}
	if err := tx.InsertMessage(ctx, &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderType:     model.SenderAgent,
		Content:        resp.Text,
		CreatedAt:      replyAt,
	}); err != nil {
		return st, err
	}

	conv.Version++
	conv.UpdatedAt = replyAt
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return st, err
	}
	return st, nil
}

// resolveConversation locks and loads the turn's conversation, creating one
// for a new (business, user, session) triple. Locks are taken session first,
// then conversation, and are held until the transaction ends.
func (p *Pipeline) resolveConversation(ctx context.Context, tx model.Tx, in model.TurnInput, now time.Time) (*model.Conversation, error) {
	if in.ConversationID != "" {
		if err := tx.LockConversation(ctx, conversationLockKey(in.ConversationID)); err != nil {
			return nil, err
		}
		conv, err := tx.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.BusinessID != in.BusinessID || conv.UserID != in.UserID {
			return nil, errx.NotFound(nil, "conversation not found")
		}
		if conv.Status != model.ConversationActive {
			return nil, errx.Validation("conversation is closed")
		}
		return conv, nil
	}

	if err := tx.LockConversation(ctx, sessionLockKey(in)); err != nil {
		return nil, err
	}
	found, err := tx.FindOpenConversation(ctx, in.BusinessID, in.UserID, in.SessionID)
	switch {
	case err == nil:
		if err := tx.LockConversation(ctx, conversationLockKey(found.ID)); err != nil {
			return nil, err
		}
		// Re-read under the conversation lock; a turn addressed by id may
		// have committed in between.
		return tx.GetConversation(ctx, found.ID)
	case !errx.IsKind(err, errx.KindNotFound):
		return nil, err
	}

	conv := &model.Conversation{
		ID:         uuid.NewString(),
		BusinessID: in.BusinessID,
		UserID:     in.UserID,
		AgentID:    in.AgentID,
		SessionID:  in.SessionID,
		Status:     model.ConversationActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.LockConversation(ctx, conversationLockKey(conv.ID)); err != nil {
		return nil, err
	}
	stage, err := p.resolver.CurrentStage(ctx, tx, conv)
	if err != nil {
		return nil, err
	}
	conv.StageID = stage.ID
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	logx.Info().
		Str("conversation_id", conv.ID).
		Str("business_id", conv.BusinessID).
		Str("stage_id", conv.StageID).
		Msg("conversation created")
	return conv, nil
}

func (p *Pipeline) varContext(ctx context.Context, tx model.Tx, in model.TurnInput, conv *model.Conversation, stage *model.Stage) (model.VarContext, error) {
	business, err := tx.GetBusiness(ctx, in.BusinessID)
	if err != nil {
		return model.VarContext{}, err
	}
	user, err := tx.GetUser(ctx, in.UserID)
	switch {
	case err == nil && user.BusinessID != "" && user.BusinessID != in.BusinessID:
		return model.VarContext{}, errx.NotFound(nil, "user not found")
	case errx.IsKind(err, errx.KindNotFound):
		// Users may be known only by id.
		user = &model.User{ID: in.UserID, BusinessID: in.BusinessID}
	case err != nil:
		return model.VarContext{}, err
	}
	history, err := p.history.Build(ctx, tx, conv.ID)
	if err != nil {
		return model.VarContext{}, err
	}
	return model.VarContext{
		Business:     business,
		User:         user,
		Conversation: conv,
		Stage:        stage,
		Message:      in.Content,
		History:      history,
	}, nil
}

// extract runs the extraction call and persists its output whether or not
// it parsed. A failed call yields no row and does not fail the turn.
func (p *Pipeline) extract(ctx context.Context, tx model.Tx, vc model.VarContext, conv *model.Conversation, stage *model.Stage) (*model.ExtractedData, float64, error) {
	rendered, err := p.renderer.Render(ctx, stage.ExtractionTemplateID, vc, tx)
	if err != nil {
		return nil, 0, err
	}
	resp, err := p.gateway.Invoke(ctx, llm.Request{
		Kind:           llm.CallExtraction,
		Prompt:         rendered.Prompt,
		SystemPrompt:   rendered.SystemPrompt,
		ConversationID: conv.ID,
		StageID:        stage.ID,
	})
	if err != nil {
		if errx.IsKind(err, errx.KindTimeout) {
			return nil, 0, err
		}
		logx.Warn().
			Err(err).
			Str("conversation_id", conv.ID).
			Str("stage_id", stage.ID).
			Str("kind", string(llm.CallExtraction)).
			Msg("extraction call failed; continuing without extracted data")
		return nil, 0, nil
	}

	parsed := llm.ParseExtraction(resp.Text)
	dataType := rendered.Template.Name
	if dataType == "" {
		dataType = string(llm.CallExtraction)
	}
	data := &model.ExtractedData{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		StageID:        stage.ID,
		DataType:       dataType,
		Payload:        parsed.Payload,
		Success:        parsed.Parsed,
		RawText:        resp.Text,
		CreatedAt:      p.now(),
	}
	if !parsed.Parsed {
		logx.Warn().
			Err(errx.Extraction(fmt.Errorf("output is not a JSON object or array"))).
			Str("conversation_id", conv.ID).
			Str("stage_id", stage.ID).
			Str("kind", string(llm.CallExtraction)).
			Msg("extraction output unparsed; stored raw text")
	}
	if err := tx.InsertExtractedData(ctx, data); err != nil {
		return nil, 0, err
	}
	return data, resp.Usage.TotalCostUSD, nil
}

func (p *Pipeline) normalize(in model.TurnInput) (model.TurnInput, error) {
	in.BusinessID = strings.TrimSpace(in.BusinessID)
	in.UserID = strings.TrimSpace(in.UserID)
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.AgentID = strings.TrimSpace(in.AgentID)

	switch {
	case in.BusinessID == "":
		return in, errx.Validation("business_id is required")
	case in.UserID == "":
		return in, errx.Validation("user_id is required")
	case strings.TrimSpace(in.Content) == "":
		return in, errx.Validation("content is required")
	case !utf8.ValidString(in.Content):
		return in, errx.Validation("content must be valid UTF-8")
	case utf8.RuneCountInString(in.Content) > p.cfg.MaxContentLength:
		return in, errx.Validation(fmt.Sprintf("content exceeds %d characters", p.cfg.MaxContentLength))
	}
	if in.SessionID == "" {
		in.SessionID = p.cfg.DefaultSessionID
	}
	return in, nil
}

func (p *Pipeline) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.TurnTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.TurnTimeout)
}

// rollback runs on a context detached from the turn deadline so an expired
// turn still releases its connection and locks.
func (p *Pipeline) rollback(ctx context.Context, tx model.Tx, conversationID string) {
	rctx := context.WithoutCancel(ctx)
	if err := tx.Rollback(rctx); err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("rollback failed")
	}
	if conversationID != "" {
		p.cache.InvalidateConversation(rctx, conversationID)
	}
}

func (p *Pipeline) fail(turnCtx context.Context, in model.TurnInput, conversationID string, err error, start time.Time) error {
	var appErr *errx.AppError
	timedOut := errors.As(err, &appErr) && appErr.Kind == errx.KindTimeout
	if !timedOut && (errors.Is(turnCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		err = errx.Timeout(err)
	}
	p.observe(err, start)
	logx.Error().
		Err(err).
		Str("kind", string(errx.KindOf(err))).
		Str("business_id", in.BusinessID).
		Str("conversation_id", conversationID).
		Dur("latency", time.Since(start)).
		Msg("turn rolled back")
	return err
}

func (p *Pipeline) observe(err error, start time.Time) {
	if p.observer == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = string(errx.KindOf(err))
	}
	p.observer.Turn(outcome, time.Since(start))
}

// ConversationStage returns a conversation's committed stage id, cache-first.
func (p *Pipeline) ConversationStage(ctx context.Context, conversationID string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", errx.Validation("conversation_id is required")
	}
	if id, ok := p.cache.ConversationStageID(ctx, conversationID); ok {
		return id, nil
	}
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	p.cache.PutConversation(ctx, conv)
	return conv.StageID, nil
}

// InvalidateStage drops cached copies after a stage row changes.
func (p *Pipeline) InvalidateStage(ctx context.Context, stageID, businessID string) {
	p.cache.InvalidateStage(ctx, stageID, businessID)
}

// InvalidateTemplate drops the cached copy after a template row changes.
func (p *Pipeline) InvalidateTemplate(ctx context.Context, templateID string) {
	p.cache.InvalidateTemplate(ctx, templateID)
}

func conversationLockKey(id string) string {
	return "conversation:" + id
}

func sessionLockKey(in model.TurnInput) string {
	return "session:" + in.BusinessID + ":" + in.UserID + ":" + in.SessionID
}
