package model

import "context"

// StageSource reads stage rows.
type StageSource interface {
	GetStage(ctx context.Context, stageID string) (*Stage, error)
	// GetDefaultStage prefers an agent-specific default over the business-wide one.
	GetDefaultStage(ctx context.Context, businessID, agentID string) (*Stage, error)
	ListStages(ctx context.Context, businessID string) ([]Stage, error)
}

type TemplateSource interface {
	GetTemplate(ctx context.Context, templateID string) (*Template, error)
}

// ContextSource exposes business/user attributes to variable providers.
type ContextSource interface {
	GetBusiness(ctx context.Context, businessID string) (*Business, error)
	GetUser(ctx context.Context, userID string) (*User, error)
}

// Tx is one unit of work. Missing rows are reported as errx not-found errors.
type Tx interface {
	StageSource
	TemplateSource
	ContextSource

	// LockConversation serializes turns on key until Commit or Rollback.
	LockConversation(ctx context.Context, key string) error

	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FindOpenConversation(ctx context.Context, businessID, userID, sessionID string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, conv *Conversation) error

	InsertMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the latest limit messages in created_at order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	InsertExtractedData(ctx context.Context, data *ExtractedData) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the transactional relational store.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// GetConversation reads committed state outside any turn.
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
}
