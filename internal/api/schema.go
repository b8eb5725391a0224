package api

import (
	"bytes"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/attendee"
)

const botStatusSchemaURL = "https://schemas.workspace-sync.local/attendee-bot-status.json"

const botStatusSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bot_id", "trigger", "data"],
  "properties": {
    "idempotency_key": {"type": "string"},
    "bot_id": {"type": "string", "minLength": 1},
    "bot_metadata": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string"}
    },
    "trigger": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "required": ["new_state"],
      "properties": {
        "new_state": {"type": "string", "minLength": 1},
        "old_state": {"type": ["string", "null"]},
        "event_type": {"type": ["string", "null"]},
        "event_sub_type": {"type": ["string", "null"]},
        "created_at": {"type": "string"}
      }
    }
  }
}`

// BotStatusWebhook is the meeting-bot vendor's state change push.
type BotStatusWebhook struct {
	IdempotencyKey string            `json:"idempotency_key"`
	BotID          string            `json:"bot_id"`
	BotMetadata    map[string]string `json:"bot_metadata"`
	Trigger        string            `json:"trigger"`
	Data           struct {
		NewState     string  `json:"new_state"`
		OldState     *string `json:"old_state"`
		EventType    *string `json:"event_type"`
		EventSubType *string `json:"event_sub_type"`
		CreatedAt    string  `json:"created_at"`
	} `json:"data"`
}

// Payload converts the push into a reconcilable status.
func (w BotStatusWebhook) Payload() domain.BotStatusPayload {
	p := domain.BotStatusPayload{
		BotID:   w.BotID,
		EventID: w.IdempotencyKey,
		State:   w.Data.NewState,
		UserID:  w.BotMetadata[attendee.MetadataUserID],
	}
	if w.Data.EventSubType != nil {
		p.SubState = *w.Data.EventSubType
	}
	if at, err := time.Parse(time.RFC3339Nano, w.Data.CreatedAt); err == nil {
		p.UpdatedAt = at.UTC()
	}
	return p
}

func compileBotStatusSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(botStatusSchema))
	if err != nil {
		return nil, errors.Wrap(err, "decode bot status schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(botStatusSchemaURL, doc); err != nil {
		return nil, errors.Wrap(err, "add bot status schema")
	}
	return c.Compile(botStatusSchemaURL)
}

func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "decode body")
	}
	return schema.Validate(inst)
}
