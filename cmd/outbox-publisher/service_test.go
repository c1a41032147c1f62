package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/installments-gateway/pkg/config"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/outbox"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/payloads"
	"github.com/angelmondragon/installments-gateway/pkg/outbox/registry"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{
		events: []models.OutboxEvent{
			newOutboxRow(t, enums.EventOrderPaid, 0),
			newOutboxRow(t, enums.EventOrderCancelled, 0),
		},
	}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
			fakePublishResult{},
		},
	}
	recorder := &fakeRecorder{}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: resolvedFor(&payloads.OrderPaidEvent{})}, recorder, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(repo.failed); got != 1 {
		t.Fatalf("unexpected number of failed rows: %d", got)
	}
	if got := len(repo.published); got != 1 {
		t.Fatalf("unexpected number of published rows: %d", got)
	}
	if repo.failed[0] != repo.events[0].ID {
		t.Fatalf("failed row recorded wrong ID")
	}
	if repo.published[0] != repo.events[1].ID {
		t.Fatalf("published row recorded wrong ID")
	}
	if recorder.outcomes[outcomeRetry] != 1 || recorder.outcomes[outcomePublished] != 1 {
		t.Fatalf("unexpected recorded outcomes %+v", recorder.outcomes)
	}
}

func TestServicePublishSetsAttributes(t *testing.T) {
	row := newOutboxRow(t, enums.EventInstallmentPlanStarted, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: resolvedFor(&payloads.InstallmentPlanStartedEvent{SubscriptionID: "SB42", NumberOfInstallments: 2})}, nil, nil)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(pub.messages))
	}
	attrs := pub.messages[0].Attributes
	if attrs["event_type"] != string(enums.EventInstallmentPlanStarted) {
		t.Fatalf("unexpected event_type attribute %q", attrs["event_type"])
	}
	if attrs["aggregate_id"] != row.AggregateID.String() {
		t.Fatalf("unexpected aggregate_id attribute %q", attrs["aggregate_id"])
	}
	if attrs["subscription_id"] != "SB42" || attrs["installments"] != "2" {
		t.Fatalf("order attributes missing: %+v", attrs)
	}
}

func TestMessageAttributesLiftOrderFields(t *testing.T) {
	cases := map[string]struct {
		eventType enums.OutboxEventType
		payload   any
		want      map[string]string
		absent    []string
	}{
		"plan started": {
			eventType: enums.EventInstallmentPlanStarted,
			payload: &payloads.InstallmentPlanStartedEvent{
				OrderNumber:          1042,
				SubscriptionID:       "SB123",
				NumberOfInstallments: 4,
				Currency:             "GBP",
			},
			want: map[string]string{
				"order_number":    "1042",
				"subscription_id": "SB123",
				"installments":    "4",
				"currency":        "GBP",
			},
			absent: []string{"cause", "source_event_id"},
		},
		"paid": {
			eventType: enums.EventOrderPaid,
			payload: &payloads.OrderPaidEvent{
				OrderNumber:    7,
				SubscriptionID: "SB9",
				Currency:       "EUR",
				SourceEventID:  "EV77",
			},
			want: map[string]string{
				"order_number":    "7",
				"subscription_id": "SB9",
				"source_event_id": "EV77",
			},
			absent: []string{"installments"},
		},
		"cancelled without source event": {
			eventType: enums.EventOrderCancelled,
			payload: &payloads.OrderCancelledEvent{
				OrderNumber:    8,
				SubscriptionID: "SB10",
				Cause:          "mandate_cancelled",
			},
			want: map[string]string{
				"order_number": "8",
				"cause":        "mandate_cancelled",
			},
			absent: []string{"source_event_id", "currency"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			row := newOutboxRow(t, tc.eventType, 0)
			resolved := resolvedFor(tc.payload)
			resolved.Envelope.EventID = "env-1"
			resolved.Envelope.Actor = &outbox.ActorRef{Kind: outbox.ActorWebhook}

			attrs := messageAttributes(row, resolved)
			if attrs["event_id"] != "env-1" || attrs["actor"] != outbox.ActorWebhook {
				t.Fatalf("unexpected envelope attributes %+v", attrs)
			}
			for key, want := range tc.want {
				if attrs[key] != want {
					t.Fatalf("attribute %s = %q, want %q", key, attrs[key], want)
				}
			}
			for _, key := range tc.absent {
				if _, ok := attrs[key]; ok {
					t.Fatalf("attribute %s should be absent, got %q", key, attrs[key])
				}
			}
		})
	}
}

func TestServiceProcessBatchMarksTerminalOnNonRetryable(t *testing.T) {
	row := newOutboxRow(t, enums.EventOrderPaid, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	reg := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	service := newTestService(t, repo, &fakePublisher{}, reg, nil, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(repo.terminal); got != 1 {
		t.Fatalf("expected terminal row, got %d", got)
	}
	if repo.terminal[0].id != row.ID {
		t.Fatalf("terminal row recorded wrong ID")
	}
	if repo.terminal[0].attempts != service.maxAttempts {
		t.Fatalf("expected attempts parked at %d, got %d", service.maxAttempts, repo.terminal[0].attempts)
	}
}

func TestServiceProcessBatchMarksTerminalOnMaxAttempts(t *testing.T) {
	row := newOutboxRow(t, enums.EventOrderCancelled, 1)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
		},
	}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: resolvedFor(&payloads.OrderCancelledEvent{})}, nil, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if got := len(repo.terminal); got != 1 {
		t.Fatalf("expected terminal row, got %d", got)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("terminal row must not also be marked failed")
	}
}

func TestServiceProcessBatchEmpty(t *testing.T) {
	service := newTestService(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{}, nil, nil)
	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if processed {
		t.Fatalf("expected empty batch to report not processed")
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(0, time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	if got := nextBackoff(8*time.Second, time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected cap at 10s, got %v", got)
	}
	for i := 0; i < 20; i++ {
		got := withJitter(time.Second)
		if got < time.Second || got >= time.Second+jitterWindow {
			t.Fatalf("jitter out of window: %v", got)
		}
	}
	if withJitter(0) != 0 {
		t.Fatalf("expected zero duration to stay zero")
	}
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, reg registryResolver, recorder eventRecorder, outboxCfgOverride *config.OutboxConfig) *Service {
	outboxCfg := config.OutboxConfig{
		BatchSize:      2,
		PollIntervalMS: 100,
		MaxAttempts:    5,
	}
	if outboxCfgOverride != nil {
		outboxCfg = *outboxCfgOverride
	}
	cfg := &config.Config{
		Outbox: outboxCfg,
	}
	logg := logger.New(logger.Options{
		ServiceName: "outbox-publisher-test",
		Output:      io.Discard,
	})
	service, err := NewService(ServiceParams{
		Config:           cfg,
		Logger:           logg,
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         reg,
		PublisherFactory: func(_ string) publisher { return pub },
		Metrics:          recorder,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func newOutboxRow(tb testing.TB, eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	tb.Helper()
	env := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       payload,
		AttemptCount:  attempts,
	}
}

func resolvedFor(payload any) *registry.ResolvedEvent {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "orders-topic",
			AggregateType: enums.AggregateOrder,
		},
		Payload: payload,
	}
}

type terminalMark struct {
	id       uuid.UUID
	attempts int
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []terminalMark
}

func (f *fakeRepo) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	f.terminal = append(f.terminal, terminalMark{id: id, attempts: terminalAttempts})
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error {
	return nil
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	results  []publishResult
	messages []*gcppubsub.Message
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Descriptor.EventType = event.EventType
	resolved.Descriptor.AggregateType = event.AggregateType
	resolved.Envelope.EventID = event.ID.String()
	resolved.Envelope.OccurredAt = time.Now()
	return &resolved, f.err
}

type fakeRecorder struct {
	outcomes map[string]int
}

func (f *fakeRecorder) ObserveOutboxPublish(_ string, outcome string) {
	if f.outcomes == nil {
		f.outcomes = map[string]int{}
	}
	f.outcomes[outcome]++
}
