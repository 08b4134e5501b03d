package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *domain.PaymentEvent {
	p := &domain.Payment{
		ID:             domain.NewPaymentID(),
		IdempotencyKey: "order-1",
		MerchantID:     "merch_1",
		State:          domain.StateSuccess,
		Amount:         decimal.NewFromInt(10),
		Currency:       domain.CurrencyUSD,
		Method:         domain.PaymentMethod{Type: domain.MethodUPI, UPI: &domain.UPIDetails{VPA: "jo@bank"}},
		Customer:       domain.Customer{ID: "cust_1"},
		Version:        4,
	}
	return domain.NewPaymentEvent(p, "corr-1")
}

func TestRedisBus_PublishesToTypeChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client, zerolog.Nop())

	ctx := context.Background()
	sub := client.Subscribe(ctx, "payments.events.PaymentSucceeded")
	defer sub.Close()
	_, err := sub.Receive(ctx) // wait for the subscription to land
	require.NoError(t, err)

	event := testEvent()
	require.NoError(t, bus.Publish(ctx, event))

	select {
	case msg := <-sub.Channel():
		var got domain.PaymentEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, event.EventID, got.EventID)
		assert.Equal(t, event.AggregateID, got.AggregateID)
		assert.Equal(t, domain.EventPaymentSucceeded, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("no message received on event channel")
	}
}

func TestMemoryBus_RecordsAndFails(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	event := testEvent()
	require.NoError(t, bus.Publish(ctx, event))
	require.Len(t, bus.Events(), 1)
	assert.Equal(t, event.EventID, bus.Events()[0].EventID)

	bus.SetFailure(assert.AnError)
	assert.Error(t, bus.Publish(ctx, testEvent()))
	assert.Len(t, bus.Events(), 1)

	bus.SetFailure(nil)
	require.NoError(t, bus.Publish(ctx, testEvent()))
	assert.Len(t, bus.Events(), 2)
}
