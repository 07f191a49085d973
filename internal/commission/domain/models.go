package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cascade/internal/errs"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	"github.com/smallbiznis/cascade/pkg/period"
)

// EventTypeStarter is the onboarding purchase; recording it sets the member's onboarding flag.
const EventTypeStarter = "starter"

// Event is a qualifying monetary event from the transaction source. EventID is
// caller-generated and anchors idempotency end to end.
type Event struct {
	SourceMemberID snowflake.ID
	EventID        string
	Amount         decimal.Decimal
	EventType      string
	OccurredAt     time.Time
}

type SkipReason string

const (
	SkipSourceNotOnboarded   SkipReason = "source_not_onboarded"
	SkipAncestorNotOnboarded SkipReason = "ancestor_not_onboarded"
)

// Skip is an eligibility gap: a level that produced no entry. It is not an error.
type Skip struct {
	MemberID snowflake.ID
	Level    int
	Reason   SkipReason
}

type RecordResult struct {
	EventID string
	Period  period.ID
	// Entries holds every ledger entry of the event, including ones stored by earlier attempts.
	Entries []ledgerdomain.CommissionEntry
	Created int
	// Duplicate is true when the event had already been fully processed.
	Duplicate bool
	Skipped   []Skip
}

// SourceSkipped reports whether the whole event was ignored because the source is not onboarded.
func (r *RecordResult) SourceSkipped() bool {
	for _, skip := range r.Skipped {
		if skip.Reason == SkipSourceNotOnboarded {
			return true
		}
	}
	return false
}

type Service interface {
	RecordEvent(ctx context.Context, event Event) (*RecordResult, error)
}

var (
	ErrInvalidEvent       = errs.Validation("invalid_event")
	ErrInvalidAmount      = errs.Validation("invalid_amount")
	ErrNonQualifyingEvent = errs.Validation("non_qualifying_event")
	ErrUnknownMember      = errs.Validation("unknown_member")
)
