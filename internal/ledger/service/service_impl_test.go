package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	"github.com/smallbiznis/cascade/internal/testsupport"
	"github.com/smallbiznis/cascade/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendIsIdempotentPerKey(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	recipient := stack.Member(t, nil, true)
	source := stack.Member(t, recipient, true)

	input := ledgerdomain.AppendInput{
		RecipientID:    recipient.ID,
		SourceMemberID: source.ID,
		SourceEventID:  "evt-1",
		Level:          1,
		EntryType:      ledgerdomain.EntryTypeReferral,
		Amount:         decimal.RequireFromString("12.345"),
		IdempotencyKey: ledgerdomain.LevelKey("evt-1", recipient.ID, 1),
	}
	first, err := stack.Ledger.Append(ctx, input)
	require.NoError(t, err)
	require.True(t, first.Created)
	assert.True(t, first.Entry.Amount.Equal(decimal.RequireFromString("12.35")), "amount rounded to scale")

	input.Amount = decimal.NewFromInt(999)
	second, err := stack.Ledger.Append(ctx, input)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, second.Entry.Amount.Equal(first.Entry.Amount), "stored entry is never rewritten")

	assert.Len(t, stack.Entries(t, recipient.ID), 1)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	recipient := stack.Member(t, nil, true)

	valid := ledgerdomain.AppendInput{
		RecipientID:    recipient.ID,
		SourceMemberID: recipient.ID,
		SourceEventID:  "evt",
		Level:          1,
		EntryType:      ledgerdomain.EntryTypeReferral,
		Amount:         decimal.NewFromInt(1),
		IdempotencyKey: "k",
	}
	cases := map[string]func(in *ledgerdomain.AppendInput){
		"zero amount":       func(in *ledgerdomain.AppendInput) { in.Amount = decimal.Zero },
		"rounds to zero":    func(in *ledgerdomain.AppendInput) { in.Amount = decimal.RequireFromString("0.001") },
		"negative amount":   func(in *ledgerdomain.AppendInput) { in.Amount = decimal.NewFromInt(-1) },
		"missing key":       func(in *ledgerdomain.AppendInput) { in.IdempotencyKey = " " },
		"unknown type":      func(in *ledgerdomain.AppendInput) { in.EntryType = "adjustment" },
		"negative level":    func(in *ledgerdomain.AppendInput) { in.Level = -1 },
		"missing recipient": func(in *ledgerdomain.AppendInput) { in.RecipientID = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := stack.Ledger.Append(ctx, in)
			if !errors.Is(err, ledgerdomain.ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestLifetimeEarningsReadsThroughCache(t *testing.T) {
	stack := testsupport.NewStack(t, testsupport.WithRedis())
	ctx := context.Background()
	chain := stack.Chain(t, 2, true)
	sponsor, buyer := chain[0], chain[1]

	stack.Purchase(t, buyer, "evt-1", "100")
	total, err := stack.Ledger.LifetimeEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(12)))

	cached, ok, err := stack.Ledger.CachedEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.Equal(total))

	stack.Purchase(t, buyer, "evt-2", "50")
	_, ok, err = stack.Ledger.CachedEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a new entry invalidates the cached total")

	total, err = stack.Ledger.LifetimeEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(18)))
}

func TestVoidEntryExcludesItFromEarnings(t *testing.T) {
	stack := testsupport.NewStack(t, testsupport.WithRedis())
	ctx := context.Background()
	chain := stack.Chain(t, 2, true)
	sponsor, buyer := chain[0], chain[1]

	result := stack.Purchase(t, buyer, "evt-1", "100")
	stack.Purchase(t, buyer, "evt-2", "200")
	require.Len(t, result.Entries, 1)
	_, err := stack.Ledger.LifetimeEarnings(ctx, sponsor.ID)
	require.NoError(t, err)

	voided, err := stack.Ledger.VoidEntry(ctx, result.Entries[0].ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryStatusFailed, voided.Status)
	require.NotNil(t, voided.FailureReason)
	assert.Equal(t, "chargeback", *voided.FailureReason)

	_, ok, err := stack.Ledger.CachedEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	total, err := stack.Ledger.LifetimeEarnings(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(24)), "total %s", total)

	again, err := stack.Ledger.VoidEntry(ctx, result.Entries[0].ID, "chargeback")
	require.NoError(t, err, "voiding twice is a no-op")
	assert.Equal(t, ledgerdomain.EntryStatusFailed, again.Status)

	_, err = stack.Ledger.VoidEntry(ctx, stack.Node.Generate(), "missing")
	assert.ErrorIs(t, err, ledgerdomain.ErrEntryNotFound)
}

func TestVoidEntryRefusesClaimedEntries(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	chain := stack.Chain(t, 2, true)

	result := stack.Purchase(t, chain[1], "evt-1", "100")
	entry := result.Entries[0]
	claimed, err := stack.LedgerRepo.ClaimPending(ctx, stack.DB, chain[0].ID, stack.Clock.Now(), stack.Node.Generate())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = stack.Ledger.VoidEntry(ctx, entry.ID, "too late")
	assert.ErrorIs(t, err, ledgerdomain.ErrEntryNotPending)
}

func TestListEntriesPages(t *testing.T) {
	stack := testsupport.NewStack(t)
	ctx := context.Background()
	chain := stack.Chain(t, 2, true)
	for _, id := range []string{"e1", "e2", "e3"} {
		stack.Purchase(t, chain[1], id, "10")
	}

	first, err := stack.Ledger.ListEntries(ctx, ledgerdomain.ListEntriesRequest{RecipientID: chain[0].ID, Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := stack.Ledger.ListEntries(ctx, ledgerdomain.ListEntriesRequest{RecipientID: chain[0].ID, Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.False(t, second.HasMore)

	_, err = stack.Ledger.ListEntries(ctx, ledgerdomain.ListEntriesRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: "garbage!"}})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}
