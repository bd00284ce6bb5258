package hedge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
)

func TestStateMachineTransitions(t *testing.T) {
	m := NewStateMachine()

	rec, err := m.Open(schema.HedgeRecord{TradeID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusPending, rec.Status)

	_, err = m.Open(schema.HedgeRecord{TradeID: "t1"})
	assert.True(t, errors.Is(err, ErrDuplicateRecord), "err: %v", err)

	rec, err = m.Transition("t1", schema.HedgeStatusRetry, schema.HedgeReasonVenueTimeout, func(r *schema.HedgeRecord) { r.Attempts = 1 })
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)

	rec, err = m.Transition("t1", schema.HedgeStatusHedged, schema.HedgeReasonNone, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, rec.Status)

	_, err = m.Transition("t1", schema.HedgeStatusRetry, schema.HedgeReasonVenueTimeout, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "err: %v", err)

	_, err = m.Transition("nope", schema.HedgeStatusHedged, schema.HedgeReasonNone, nil)
	assert.True(t, errors.Is(err, ErrUnknownRecord), "err: %v", err)

	_, err = m.Open(schema.HedgeRecord{})
	assert.True(t, errors.Is(err, ErrUnknownRecord), "err: %v", err)

	assert.Len(t, m.Records(), 1)
}
