package agentapi

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
)

type payload struct {
	Data payloadData `json:"data"`
}

type payloadData struct {
	Input   string         `json:"input"`
	Context payloadContext `json:"context"`
	Config  payloadConfig  `json:"config"`
}

type payloadContext struct {
	ConversationID string         `json:"conversation_id"`
	System         systemContext  `json:"system"`
	Metadata       metadata       `json:"metadata"`
	TotalContext   int            `json:"total_context"`
	Messages       []contextEntry `json:"messages"`
}

type systemContext struct {
	DialogTurnCounter int `json:"dialog_turn_counter"`
}

type metadata struct {
	UserID string `json:"user_id"`
}

type contextEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type payloadConfig struct {
	MaxTokens int `json:"max_tokens"`
}

func buildPayload(req backend.Request, maxTokens int) payload {
	messages := make([]contextEntry, 0, len(req.History))
	for _, turn := range req.History {
		messages = append(messages, contextEntry{Role: string(turn.Role), Content: turn.Content, Timestamp: turn.Timestamp})
	}
	return payload{Data: payloadData{
		Input: req.Message,
		Context: payloadContext{
			ConversationID: req.ConversationID,
			System:         systemContext{DialogTurnCounter: req.TurnCounter},
			Metadata:       metadata{UserID: req.UserID},
			TotalContext:   req.TotalContext,
			Messages:       messages,
		},
		Config: payloadConfig{MaxTokens: maxTokens},
	}}
}

type response struct {
	Data *struct {
		Output *struct {
			Text []string `json:"text"`
		} `json:"output"`
	} `json:"data"`
	Message string `json:"message"`
}

var errNoText = errors.New("response carries no text")

// extractText reads data.output.text[0], falling back to a top level
// message field.
func extractText(raw []byte) (string, error) {
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	if r.Data != nil && r.Data.Output != nil && r.Data.Output.Text != nil {
		if len(r.Data.Output.Text) == 0 {
			return "", nil
		}
		return r.Data.Output.Text[0], nil
	}
	if r.Message != "" {
		return r.Message, nil
	}
	return "", errNoText
}
