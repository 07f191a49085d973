package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cascade/internal/errs"
	"gorm.io/gorm"
)

// BatchFunc receives one page of members during streaming iteration.
type BatchFunc func(batch []Member) error

type Service interface {
	Attach(ctx context.Context, memberID snowflake.ID, sponsorID *snowflake.ID) (*Member, error)
	Register(ctx context.Context, sponsorID *snowflake.ID) (*Member, error)
	MarkOnboarded(ctx context.Context, memberID snowflake.ID, at time.Time) (*Member, error)
	GetMember(ctx context.Context, memberID snowflake.ID) (*Member, error)
	AncestorsOf(ctx context.Context, memberID snowflake.ID, maxLevels int) ([]snowflake.ID, error)
	LoadAncestors(ctx context.Context, memberID snowflake.ID, maxLevels int) ([]Member, error)
	DescendantsOf(ctx context.Context, memberID snowflake.ID, pageSize int, fn BatchFunc) error
	ChildrenOf(ctx context.Context, memberID snowflake.ID) ([]Member, error)
	StreamAll(ctx context.Context, pageSize int, fn BatchFunc) error
	UpdateTierStateTx(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, state TierState) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, member *Member) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Member, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Member, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Member, error)
	ListByPathPrefix(ctx context.Context, db *gorm.DB, prefix string, afterID snowflake.ID, limit int) ([]Member, error)
	ListChildren(ctx context.Context, db *gorm.DB, sponsorID snowflake.ID) ([]Member, error)
	ListAll(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Member, error)
	UpdatePlacement(ctx context.Context, db *gorm.DB, id snowflake.ID, sponsorID *snowflake.ID, path string, depth int, now time.Time) error
	MarkOnboarded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	UpdateTierState(ctx context.Context, db *gorm.DB, id snowflake.ID, state TierState, now time.Time) error
}

var (
	ErrInvalidMember    = errs.Validation("invalid_member")
	ErrMemberNotFound   = errs.Validation("member_not_found")
	ErrSponsorNotFound  = errs.Validation("sponsor_not_found")
	ErrSponsorImmutable = errs.Validation("sponsor_immutable")
	ErrCycleDetected    = errors.New("cycle_detected")
)
