// Package testsupport wires the engine's services over an in-memory sqlite
// database for package tests.
package testsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	auditrepo "github.com/smallbiznis/cascade/internal/audit/repository"
	auditservice "github.com/smallbiznis/cascade/internal/audit/service"
	"github.com/smallbiznis/cascade/internal/clock"
	commissiondomain "github.com/smallbiznis/cascade/internal/commission/domain"
	commissionservice "github.com/smallbiznis/cascade/internal/commission/service"
	"github.com/smallbiznis/cascade/internal/config"
	"github.com/smallbiznis/cascade/internal/ledger/cache"
	ledgerdomain "github.com/smallbiznis/cascade/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/cascade/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/cascade/internal/ledger/service"
	"github.com/smallbiznis/cascade/internal/migration"
	networkdomain "github.com/smallbiznis/cascade/internal/network/domain"
	networkrepo "github.com/smallbiznis/cascade/internal/network/repository"
	networkservice "github.com/smallbiznis/cascade/internal/network/service"
	volumedomain "github.com/smallbiznis/cascade/internal/volume/domain"
	volumerepo "github.com/smallbiznis/cascade/internal/volume/repository"
	volumeservice "github.com/smallbiznis/cascade/internal/volume/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the fake clock's starting point: mid-March 2026, UTC.
var Epoch = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

var dbSeq atomic.Int64

// OpenDB opens a private in-memory database with the full schema. A single
// connection keeps sqlite transactions serialised.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(migration.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Compensation returns a validated holder over the default plan after applying mutate.
func Compensation(t *testing.T, mutate func(*config.CompensationConfig)) *config.CompensationConfigHolder {
	t.Helper()
	cfg := config.DefaultCompensationConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	holder, err := config.NewStaticCompensationConfig(cfg)
	if err != nil {
		t.Fatalf("compensation config: %v", err)
	}
	return holder
}

type options struct {
	mutate func(*config.CompensationConfig)
	redis  bool
}

type Option func(*options)

// WithCompensation adjusts the default compensation plan.
func WithCompensation(mutate func(*config.CompensationConfig)) Option {
	return func(o *options) { o.mutate = mutate }
}

// WithRedis backs the earnings cache with a miniredis instance.
func WithRedis() Option {
	return func(o *options) { o.redis = true }
}

// Stack is the set of core services sharing one database and clock.
type Stack struct {
	DB           *gorm.DB
	Node         *snowflake.Node
	Clock        *clock.FakeClock
	Log          *zap.Logger
	Compensation *config.CompensationConfigHolder
	Redis        *miniredis.Miniredis
	Cache        cache.EarningsCache

	Audit      auditdomain.Service
	Network    networkdomain.Service
	LedgerRepo ledgerdomain.Repository
	Ledger     ledgerdomain.Service
	VolumeRepo volumedomain.Repository
	Volume     volumedomain.Service
	Commission commissiondomain.Service
}

func NewStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{
		DB:           OpenDB(t),
		Node:         Node(t),
		Clock:        clock.NewFakeClock(Epoch),
		Log:          zap.NewNop(),
		Compensation: Compensation(t, o.mutate),
		LedgerRepo:   ledgerrepo.Provide(),
		VolumeRepo:   volumerepo.Provide(),
	}
	if o.redis {
		s.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		s.Cache = cache.NewEarningsCache(client)
	}

	s.Audit = auditservice.NewService(auditservice.Params{
		DB:    s.DB,
		Log:   s.Log,
		GenID: s.Node,
		Clock: s.Clock,
		Repo:  auditrepo.Provide(),
	})
	s.Network = networkservice.NewService(networkservice.Params{
		DB:       s.DB,
		Log:      s.Log,
		GenID:    s.Node,
		Clock:    s.Clock,
		Repo:     networkrepo.Provide(),
		AuditSvc: s.Audit,
	})
	s.Ledger = ledgerservice.NewService(ledgerservice.Params{
		DB:           s.DB,
		Log:          s.Log,
		GenID:        s.Node,
		Clock:        s.Clock,
		Repo:         s.LedgerRepo,
		Compensation: s.Compensation,
		Cache:        s.Cache,
		AuditSvc:     s.Audit,
	})
	s.Volume = volumeservice.NewService(volumeservice.Params{
		DB:           s.DB,
		Log:          s.Log,
		GenID:        s.Node,
		Clock:        s.Clock,
		Repo:         s.VolumeRepo,
		Network:      s.Network,
		Compensation: s.Compensation,
		AuditSvc:     s.Audit,
	})
	s.Commission = commissionservice.NewService(commissionservice.Params{
		DB:           s.DB,
		Log:          s.Log,
		Network:      s.Network,
		Ledger:       s.Ledger,
		Volume:       s.Volume,
		Compensation: s.Compensation,
		AuditSvc:     s.Audit,
	})
	return s
}

// Member attaches a new member under sponsor (nil for a root) and optionally onboards it.
func (s *Stack) Member(t *testing.T, sponsor *networkdomain.Member, onboarded bool) *networkdomain.Member {
	t.Helper()
	ctx := context.Background()

	var sponsorID *snowflake.ID
	if sponsor != nil {
		id := sponsor.ID
		sponsorID = &id
	}
	member, err := s.Network.Register(ctx, sponsorID)
	if err != nil {
		t.Fatalf("register member: %v", err)
	}
	if onboarded {
		member, err = s.Network.MarkOnboarded(ctx, member.ID, s.Clock.Now())
		if err != nil {
			t.Fatalf("onboard member: %v", err)
		}
	}
	return member
}

// Chain builds a sponsor line of n members, root first.
func (s *Stack) Chain(t *testing.T, n int, onboarded bool) []*networkdomain.Member {
	t.Helper()
	out := make([]*networkdomain.Member, 0, n)
	var sponsor *networkdomain.Member
	for i := 0; i < n; i++ {
		sponsor = s.Member(t, sponsor, onboarded)
		out = append(out, sponsor)
	}
	return out
}

// Purchase records a purchase event for member at the current fake time.
func (s *Stack) Purchase(t *testing.T, member *networkdomain.Member, eventID string, amount string) *commissiondomain.RecordResult {
	t.Helper()
	result, err := s.Commission.RecordEvent(context.Background(), commissiondomain.Event{
		SourceMemberID: member.ID,
		EventID:        eventID,
		Amount:         decimal.RequireFromString(amount),
		EventType:      "purchase",
		OccurredAt:     s.Clock.Now(),
	})
	if err != nil {
		t.Fatalf("record event %s: %v", eventID, err)
	}
	return result
}

// Entries lists every ledger entry of a recipient.
func (s *Stack) Entries(t *testing.T, recipientID snowflake.ID) []ledgerdomain.CommissionEntry {
	t.Helper()
	var entries []ledgerdomain.CommissionEntry
	if err := s.DB.Where("recipient_id = ?", recipientID).Order("id asc").Find(&entries).Error; err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return entries
}
