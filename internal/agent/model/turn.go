package model

// TurnInput represents one inbound message.
type TurnInput struct {
	BusinessID     string `json:"business_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// TurnResult is returned after a committed turn.
type TurnResult struct {
	Response       string         `json:"response"`
	ConversationID string         `json:"conversation_id"`
	StageID        string         `json:"stage_id"`
	ExtractedData  *ExtractedData `json:"extracted_data,omitempty"`
	Transitioned   bool           `json:"transitioned"`
	CostUSD        float64        `json:"cost_usd"`
}

// VarContext is what variable providers see while a template renders.
type VarContext struct {
	Business      *Business
	User          *User
	Conversation  *Conversation
	Stage         *Stage
	Message       string
	History       string
	ExtractedData *ExtractedData
}

func (c VarContext) BusinessID() string {
	if c.Business != nil {
		return c.Business.ID
	}
	if c.Conversation != nil {
		return c.Conversation.BusinessID
	}
	return ""
}

func (c VarContext) UserID() string {
	if c.User != nil {
		return c.User.ID
	}
	if c.Conversation != nil {
		return c.Conversation.UserID
	}
	return ""
}

func (c VarContext) ConversationID() string {
	if c.Conversation != nil {
		return c.Conversation.ID
	}
	return ""
}

func (c VarContext) StageID() string {
	if c.Stage != nil {
		return c.Stage.ID
	}
	return ""
}
