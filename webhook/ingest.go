// Package webhook turns notification payloads handed over by the front door
// into stored sync events. Authenticity is checked before payloads get here.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cyp0633/meetsync/storage"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidPayload is returned when a payload is not a valid notification.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Notification is the JSON body of a remote change notification.
type Notification struct {
	EventType      string `json:"eventType"`
	ExternalID     string `json:"externalId"`
	ResourceType   string `json:"resourceType,omitempty"`
	ResourceID     string `json:"resourceId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

const schemaURL = "meetsync://webhook/notification.json"

// Unknown members are allowed; providers add fields over time.
const notificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventType", "externalId"],
  "properties": {
    "eventType": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "externalId": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "resourceType": {"type": "string"},
    "resourceId": {"type": "string"},
    "organizationId": {"type": "string"}
  }
}`

// Ingestor validates notifications and appends them to an event store.
type Ingestor struct {
	store  storage.EventStore
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewIngestor compiles the notification schema. A nil logger discards output.
func NewIngestor(store storage.EventStore, logger *slog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("event store cannot be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Ingestor{store: store, schema: schema, logger: logger}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add notification schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification schema: %w", err)
	}
	return schema, nil
}

// Parse validates payload and decodes it.
func (i *Ingestor) Parse(payload []byte) (Notification, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := i.schema.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	n.EventType = strings.TrimSpace(n.EventType)
	n.ExternalID = strings.TrimSpace(n.ExternalID)
	return n, nil
}

// Ingest validates payload and stores it as an unprocessed sync event. The
// original bytes are kept as the event payload.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte) (*storage.SyncEvent, error) {
	n, err := i.Parse(payload)
	if err != nil {
		i.logger.Warn("rejected webhook payload", "error", err)
		return nil, err
	}

	ev := &storage.SyncEvent{
		EventType:      n.EventType,
		ExternalID:     n.ExternalID,
		ResourceType:   n.ResourceType,
		ResourceID:     n.ResourceID,
		OrganizationID: n.OrganizationID,
		Payload:        append(json.RawMessage(nil), payload...),
	}
	if err := i.store.Store(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to store sync event: %w", err)
	}

	i.logger.Info("stored sync event",
		"id", ev.ID,
		"type", ev.EventType,
		"external_id", ev.ExternalID)
	return ev, nil
}
