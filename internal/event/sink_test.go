package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bezsettle/internal/model"
	"bezsettle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxSinkWritesPendingRow(t *testing.T) {
	db := testutil.NewDB(t)
	sink := NewOutboxSink(db, Topics{Consumption: "c", Escrow: "e", Settlement: "s"})

	evt := &Event{
		Type: TypeCreditConsumed,
		Key:  "0xabc",
		Payload: model.ConsumptionEvent{
			AccountID: "0xabc",
			MessageID: "m1",
			WordCount: 1500,
			Cost:      2,
		},
	}
	require.NoError(t, sink.Publish(context.Background(), evt))

	var rows []model.OutboxMessage
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].Topic)
	assert.Equal(t, model.OutboxStatusPending, rows[0].Status)
	assert.Equal(t, TypeCreditConsumed, rows[0].EventType)

	var payload model.ConsumptionEvent
	require.NoError(t, json.Unmarshal([]byte(rows[0].Payload), &payload))
	assert.Equal(t, int64(2), payload.Cost)
}

func TestTopicsFor(t *testing.T) {
	topics := Topics{Consumption: "c", Escrow: "e", Settlement: "s"}
	assert.Equal(t, "c", topics.For(TypeCreditLowBalance))
	assert.Equal(t, "e", topics.For(TypeEscrowTransition))
	assert.Equal(t, "s", topics.For(TypeSettlementFailed))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), &Event{Type: TypeEscrowTransition}))
	require.NoError(t, r.Publish(context.Background(), &Event{Type: TypeSettlementFailed}))
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(TypeSettlementFailed), 1)

	r.Err = errors.New("down")
	assert.Error(t, r.Publish(context.Background(), &Event{}))
}
