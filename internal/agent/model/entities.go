package model

import (
	"encoding/json"
	"time"
)

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// StageTypeDefault marks the stage new conversations start in.
const StageTypeDefault = "default"

type TemplateType string

const (
	TemplateSelection         TemplateType = "selection"
	TemplateExtraction        TemplateType = "extraction"
	TemplateGeneration        TemplateType = "generation"
	TemplateDefaultSelection  TemplateType = "default_selection"
	TemplateDefaultExtraction TemplateType = "default_extraction"
	TemplateDefaultGeneration TemplateType = "default_generation"
)

// Business and User are read-only here; their CRUD lives elsewhere.
type Business struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type User struct {
	ID         string         `json:"id"`
	BusinessID string         `json:"business_id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Conversation has exactly one current stage. Version increments on every
// committed turn and orders cache writes.
type Conversation struct {
	ID         string             `json:"id"`
	BusinessID string             `json:"business_id"`
	UserID     string             `json:"user_id"`
	AgentID    string             `json:"agent_id,omitempty"`
	StageID    string             `json:"stage_id"`
	SessionID  string             `json:"session_id"`
	Status     ConversationStatus `json:"status"`
	Version    int64              `json:"version"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Stage references up to three templates. Selection and extraction are
// optional; generation is required.
type Stage struct {
	ID                   string `json:"id"`
	BusinessID           string `json:"business_id"`
	AgentID              string `json:"agent_id,omitempty"`
	Name                 string `json:"name"`
	Type                 string `json:"type"`
	SelectionTemplateID  string `json:"selection_template_id,omitempty"`
	ExtractionTemplateID string `json:"extraction_template_id,omitempty"`
	GenerationTemplateID string `json:"generation_template_id"`
}

// TemplateIDs returns the non-empty template references of the stage.
func (s *Stage) TemplateIDs() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{s.SelectionTemplateID, s.ExtractionTemplateID, s.GenerationTemplateID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type Template struct {
	ID           string       `json:"id"`
	BusinessID   string       `json:"business_id"`
	Name         string       `json:"name"`
	Type         TemplateType `json:"type"`
	Content      string       `json:"content"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ExtractedData is written for every extraction attempt that produced
// output. Success is false when the output was not structured; RawText
// always holds the model output.
type ExtractedData struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	StageID        string          `json:"stage_id"`
	DataType       string          `json:"data_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Success        bool            `json:"success"`
	RawText        string          `json:"raw_text"`
	CreatedAt      time.Time       `json:"created_at"`
}
