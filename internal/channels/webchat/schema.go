package webchat

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/camino-travel/switchboard/pkg/models"
)

// clientFrame is an inbound widget frame after schema validation.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// serverFrame is the outbound frame union. Type selects which fields are set.
type serverFrame struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	Text      string              `json:"text,omitempty"`
	Kind      string              `json:"kind,omitempty"`
	URL       string              `json:"url,omitempty"`
	Caption   string              `json:"caption,omitempty"`
	Choices   []models.QuickReply `json:"choices,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	Code      string              `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	SentAt    int64               `json:"sent_at,omitempty"`
}

// frameSchemaRegistry compiles the inbound frame schemas once.
type frameSchemaRegistry struct {
	once    sync.Once
	initErr error

	frame   *jsonschema.Schema
	message *jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("webchat_frame", webchatFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = frame

		message, err := jsonschema.CompileString("webchat_message", webchatMessageSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.message = message
	})
	return frameSchemas.initErr
}

// validateFrame decodes one inbound frame and checks it against the schemas.
// Message frames get the stricter per-type schema on top of the envelope.
func validateFrame(raw []byte) (*clientFrame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := frameSchemas.frame.Validate(payload); err != nil {
		return nil, err
	}

	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "message" {
		if err := frameSchemas.message.Validate(payload); err != nil {
			return nil, err
		}
	}
	return &frame, nil
}

const webchatFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["message", "ping"]
    }
  }
}`

const webchatMessageSchema = `{
  "type": "object",
  "required": ["type", "text"],
  "properties": {
    "type": {
      "const": "message"
    },
    "id": {
      "type": "string",
      "maxLength": 128
    },
    "text": {
      "type": "string",
      "minLength": 1,
      "maxLength": 4000
    }
  },
  "additionalProperties": false
}`
