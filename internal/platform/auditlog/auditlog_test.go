package auditlog

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-gatekeeper/internal/platform/auth"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alerting",
		Action:       "alert.rejected",
		ResourceType: "model",
		ResourceID:   "fraud-detection-model",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
	}
	payloadJSON := []byte(`{"reason":"invalid_signature"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	require.NoError(t, err)
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ComputeIntegritySHA256(event, []byte(`{"reason":"stale"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO audit_events").
		WithArgs(
			pgxmock.AnyArg(), "alerting", "alert.rejected", "model", "churn",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"event_id"}).AddRow(int64(42)))

	id, err := Insert(context.Background(), mock, Event{
		Actor:        "alerting",
		Action:       "alert.rejected",
		ResourceType: "model",
		ResourceID:   "churn",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_Validates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = Insert(context.Background(), mock, Event{Actor: "a"})
	assert.Error(t, err)
	_, err = Insert(context.Background(), nil, Event{})
	assert.Error(t, err)
}

func TestAuthDenyEvent(t *testing.T) {
	event := AuthDenyEvent("gatekeeper", auth.DenyEvent{
		Time:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:     401,
		Reason:     "unauthenticated",
		Method:     "POST",
		Path:       "/api/models/churn/gate",
		RemoteAddr: "10.1.2.3:5555",
	})
	if event.Actor != "anonymous" {
		t.Fatalf("Actor=%q, want anonymous", event.Actor)
	}
	if event.Action != "auth.unauthenticated" {
		t.Fatalf("Action=%q", event.Action)
	}
	if event.ResourceID != "POST /api/models/churn/gate" {
		t.Fatalf("ResourceID=%q", event.ResourceID)
	}
	if got := event.IP.String(); got != "10.1.2.3" {
		t.Fatalf("IP=%q", got)
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}
