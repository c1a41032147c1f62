package gocardlesswebhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/installments-gateway/internal/orders"
	"github.com/angelmondragon/installments-gateway/pkg/db"
	"github.com/angelmondragon/installments-gateway/pkg/db/models"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
	"github.com/angelmondragon/installments-gateway/pkg/migrate/migratetest"
	"github.com/angelmondragon/installments-gateway/pkg/outbox"
)

const testSecret = "whsec_test"

type harness struct {
	orders     orders.Repository
	outbox     *outbox.Repository
	dispatcher *Dispatcher
	locator    *Locator
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := migratetest.OpenSQLite(t)
	repo := orders.NewRepository(conn)
	outboxRepo := outbox.NewRepository(conn)
	now := time.Date(2026, 12, 1, 9, 0, 0, 0, time.UTC)

	dispatcher, err := NewDispatcher(DispatcherParams{
		Orders: repo,
		DB:     db.NewFromConn(conn),
		Outbox: outbox.NewService(outboxRepo, logger.Nop()),
		Logger: logger.Nop(),
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)
	locator, err := NewLocator(repo)
	require.NoError(t, err)

	return &harness{orders: repo, outbox: outboxRepo, dispatcher: dispatcher, locator: locator, now: now}
}

func (h *harness) seedOnHold(t *testing.T, subscriptionID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	order, err := h.orders.Create(ctx, &models.Order{
		OrderNumber:   2002,
		OrderKey:      "wc_order_" + uuid.NewString(),
		PaymentMethod: enums.PaymentMethodInstallments,
		Currency:      enums.CurrencyGBP,
		TotalCents:    10000,
		Status:        enums.OrderStatusOnHold,
	})
	require.NoError(t, err)
	require.NoError(t, h.orders.SetMeta(ctx, order.ID, enums.MetaNumberOfInstallments, "4"))
	if subscriptionID != "" {
		require.NoError(t, h.orders.SetMeta(ctx, order.ID, enums.MetaSubscriptionID, subscriptionID))
	}
	return order
}

func (h *harness) status(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	order, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func subscriptionEvent(id, action, subscriptionID string) Event {
	return Event{
		ID:           id,
		ResourceType: ResourceSubscriptions,
		Action:       action,
		Links:        map[string]string{"subscription": subscriptionID},
	}
}

func signedBatch(t *testing.T, events ...Event) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(Batch{Events: events})
	require.NoError(t, err)
	return body, Sign(body, testSecret)
}

// memoryStore satisfies redis.IdempotencyStore.
type memoryStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{keys: map[string]bool{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "idempotency:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}
