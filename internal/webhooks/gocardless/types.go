package gocardlesswebhook

import (
	"encoding/json"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/gocardless"
)

// ResourceSubscriptions is the only resource type that drives order transitions.
const ResourceSubscriptions = "subscriptions"

const (
	ActionFinished  = "finished"
	ActionCancelled = "cancelled"
)

// Event is one entry of a webhook delivery.
type Event = gocardless.Event

// Batch is the body GoCardless posts: one or more events.
type Batch struct {
	Events []Event `json:"events"`
}

// DecodeBatch parses a delivery body. Invalid JSON or a missing or empty
// events array is MALFORMED_PAYLOAD.
func DecodeBatch(body []byte) (*Batch, error) {
	var raw struct {
		Events *[]Event `json:"events"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeMalformedPayload, err, "Invalid payload")
	}
	if raw.Events == nil || len(*raw.Events) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeMalformedPayload, "Invalid payload")
	}
	return &Batch{Events: *raw.Events}, nil
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// EventResult is what happened to a single event in a batch.
type EventResult struct {
	EventID      string     `json:"event_id"`
	ResourceType string     `json:"resource_type"`
	Action       string     `json:"action"`
	Outcome      Outcome    `json:"outcome"`
	OrderID      *uuid.UUID `json:"order_id,omitempty"`
	Transition   Transition `json:"transition,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type BatchResult struct {
	Events []EventResult `json:"events"`
}

// Count returns how many events ended with outcome.
func (b *BatchResult) Count(outcome Outcome) int {
	if b == nil {
		return 0
	}
	n := 0
	for _, ev := range b.Events {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n
}
