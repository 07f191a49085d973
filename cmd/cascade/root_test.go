package main

import (
	"bytes"
	"testing"

	"github.com/smallbiznis/cascade/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	return root.Execute()
}

func TestRootRegistersEngineCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"serve", "migrate", "register-member", "record-event", "close-period",
		"aggregate", "evaluate", "tier", "payout", "reconcile", "void-entry", "run-job", "audit",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	requeue, _, err := root.Find([]string{"payout", "requeue"})
	require.NoError(t, err)
	assert.Equal(t, "requeue", requeue.Name())
}

func TestPeriodCommandsRejectMalformedPeriods(t *testing.T) {
	for _, name := range []string{"aggregate", "evaluate", "close-period"} {
		err := execute(t, name, "2026-13")
		assert.ErrorIs(t, err, period.ErrInvalidPeriod, name)
	}
}

func TestRecordEventValidatesFlagsBeforeStarting(t *testing.T) {
	err := execute(t, "record-event", "--member", "12", "--event-id", "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")

	err = execute(t, "record-event", "--member", "abc", "--event-id", "ord-1", "--amount", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid member id")

	err = execute(t, "record-event", "--member", "12", "--event-id", "ord-1", "--amount", "ten")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")

	err = execute(t, "record-event", "--member", "12", "--event-id", "ord-1", "--amount", "10", "--occurred-at", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "occurred-at")
}

func TestParseHelpers(t *testing.T) {
	id, err := parseID("1794", "member id")
	require.NoError(t, err)
	assert.EqualValues(t, 1794, id)

	_, err = parseID("-3", "member id")
	assert.Error(t, err)

	none, err := parseOptionalID("", "sponsor id")
	require.NoError(t, err)
	assert.Nil(t, none)

	amount, err := parseAmount("12.50")
	require.NoError(t, err)
	assert.Equal(t, "12.5", amount.String())
}

func TestAuditRejectsMalformedBounds(t *testing.T) {
	err := execute(t, "audit", "--since", "last week")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid since")

	bound, err := parseOptionalTime("2026-03-01T00:00:00Z", "since")
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, 3, int(bound.Month()))
}
