package repo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

//go:embed schema.sql
var schemaSQL string

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore runs each turn in one pgx transaction on a pooled
// connection. Turns on the same key are serialized with transaction-scoped
// advisory locks.
type PostgresStore struct {
	pool pool
}

func NewPostgresStore(p pool) (*PostgresStore, error) {
	if p == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &PostgresStore{pool: p}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errx.Database(fmt.Errorf("ensure schema: %w", err))
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (model.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errx.Database(fmt.Errorf("begin tx: %w", err))
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, selectConversation+` WHERE id = $1`, id))
}

const (
	selectConversation = `SELECT id, business_id, user_id, agent_id, stage_id, session_id, status, version, created_at, updated_at FROM conversations`
	selectStage        = `SELECT id, business_id, agent_id, name, type, selection_template_id, extraction_template_id, generation_template_id FROM stages`
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockConversation(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errx.Database(fmt.Errorf("lock %s: %w", key, err))
	}
	return nil
}

func (t *pgTx) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return scanConversation(t.tx.QueryRow(ctx, selectConversation+` WHERE id = $1`, id))
}

func (t *pgTx) FindOpenConversation(ctx context.Context, businessID, userID, sessionID string) (*model.Conversation, error) {
	return scanConversation(t.tx.QueryRow(ctx,
		selectConversation+` WHERE business_id = $1 AND user_id = $2 AND session_id = $3 AND status = 'active'
ORDER BY updated_at DESC LIMIT 1`,
		businessID, userID, sessionID))
}

func (t *pgTx) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO conversations (id, business_id, user_id, agent_id, stage_id, session_id, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.BusinessID, c.UserID, c.AgentID, c.StageID, c.SessionID, string(c.Status), c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return errx.Database(fmt.Errorf("insert conversation: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE conversations SET stage_id = $2, status = $3, version = $4, updated_at = $5
WHERE id = $1`,
		c.ID, c.StageID, string(c.Status), c.Version, c.UpdatedAt)
	if err != nil {
		return errx.Database(fmt.Errorf("update conversation: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errx.NotFound(nil, "conversation not found")
	}
	return nil
}

func (t *pgTx) GetStage(ctx context.Context, id string) (*model.Stage, error) {
	return scanStage(t.tx.QueryRow(ctx, selectStage+` WHERE id = $1`, id))
}

// GetDefaultStage prefers the agent's own default over the business-wide one.
func (t *pgTx) GetDefaultStage(ctx context.Context, businessID, agentID string) (*model.Stage, error) {
	st, err := scanStage(t.tx.QueryRow(ctx,
		selectStage+` WHERE business_id = $1 AND type = 'default' AND (agent_id = $2 OR agent_id = '')
ORDER BY CASE WHEN agent_id = $2 THEN 0 ELSE 1 END, id LIMIT 1`,
		businessID, agentID))
	if err != nil && errx.IsKind(err, errx.KindNotFound) {
		return nil, errx.NotFound(err, "default stage not found")
	}
	return st, err
}

func (t *pgTx) ListStages(ctx context.Context, businessID string) ([]model.Stage, error) {
	rows, err := t.tx.Query(ctx, selectStage+` WHERE business_id = $1 ORDER BY id`, businessID)
	if err != nil {
		return nil, errx.Database(fmt.Errorf("list stages: %w", err))
	}
	defer rows.Close()

	var out []model.Stage
	for rows.Next() {
		var st model.Stage
		if err := rows.Scan(&st.ID, &st.BusinessID, &st.AgentID, &st.Name, &st.Type,
			&st.SelectionTemplateID, &st.ExtractionTemplateID, &st.GenerationTemplateID); err != nil {
			return nil, errx.Database(fmt.Errorf("scan stage: %w", err))
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Database(fmt.Errorf("list stages: %w", err))
	}
	return out, nil
}

func (t *pgTx) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	var (
		tpl model.Template
		typ string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, business_id, name, type, content, system_prompt FROM templates WHERE id = $1`, id).
		Scan(&tpl.ID, &tpl.BusinessID, &tpl.Name, &typ, &tpl.Content, &tpl.SystemPrompt)
	if err != nil {
		return nil, errx.WrapPostgres(err, "template")
	}
	tpl.Type = model.TemplateType(typ)
	return &tpl, nil
}

func (t *pgTx) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	var (
		b     model.Business
		attrs []byte
	)
	err := t.tx.QueryRow(ctx, `SELECT id, name, attributes FROM businesses WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &attrs)
	if err != nil {
		return nil, errx.WrapPostgres(err, "business")
	}
	if b.Attributes, err = decodeAttributes(attrs); err != nil {
		return nil, errx.Database(fmt.Errorf("business %s attributes: %w", id, err))
	}
	return &b, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	var (
		u     model.User
		attrs []byte
	)
	err := t.tx.QueryRow(ctx, `SELECT id, business_id, name, attributes FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.BusinessID, &u.Name, &attrs)
	if err != nil {
		return nil, errx.WrapPostgres(err, "user")
	}
	if u.Attributes, err = decodeAttributes(attrs); err != nil {
		return nil, errx.Database(fmt.Errorf("user %s attributes: %w", id, err))
	}
	return &u, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO messages (id, conversation_id, sender_type, content, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, string(m.SenderType), m.Content, m.CreatedAt)
	if err != nil {
		return errx.Database(fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// ListMessages returns the latest limit messages, oldest first.
func (t *pgTx) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, conversation_id, sender_type, content, created_at FROM (
    SELECT seq, id, conversation_id, sender_type, content, created_at
    FROM messages WHERE conversation_id = $1
    ORDER BY seq DESC LIMIT $2
) recent ORDER BY seq`, conversationID, limit)
	if err != nil {
		return nil, errx.Database(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m      model.Message
			sender string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, errx.Database(fmt.Errorf("scan message: %w", err))
		}
		m.SenderType = model.SenderType(sender)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Database(fmt.Errorf("list messages: %w", err))
	}
	return out, nil
}

func (t *pgTx) InsertExtractedData(ctx context.Context, d *model.ExtractedData) error {
	var payload any
	if len(d.Payload) > 0 {
		payload = string(d.Payload)
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO extracted_data (id, conversation_id, stage_id, data_type, payload, success, raw_text, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ConversationID, d.StageID, d.DataType, payload, d.Success, d.RawText, d.CreatedAt)
	if err != nil {
		return errx.Database(fmt.Errorf("insert extracted data: %w", err))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return errx.Database(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback is a no-op after Commit.
func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errx.Database(fmt.Errorf("rollback: %w", err))
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		c      model.Conversation
		status string
	)
	err := row.Scan(&c.ID, &c.BusinessID, &c.UserID, &c.AgentID, &c.StageID, &c.SessionID,
		&status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, errx.WrapPostgres(err, "conversation")
	}
	c.Status = model.ConversationStatus(status)
	return &c, nil
}

func scanStage(row pgx.Row) (*model.Stage, error) {
	var st model.Stage
	err := row.Scan(&st.ID, &st.BusinessID, &st.AgentID, &st.Name, &st.Type,
		&st.SelectionTemplateID, &st.ExtractionTemplateID, &st.GenerationTemplateID)
	if err != nil {
		return nil, errx.WrapPostgres(err, "stage")
	}
	return &st, nil
}

func decodeAttributes(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	_ model.Store = (*PostgresStore)(nil)
	_ model.Tx    = (*pgTx)(nil)
)
