package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/cascade/internal/audit/domain"
	"github.com/smallbiznis/cascade/internal/clock"
	obscontext "github.com/smallbiznis/cascade/internal/observability/context"
	"github.com/smallbiznis/cascade/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends one entry. The actor, run id and job come from ctx; an
// entry written outside any job or command is attributed to the system.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(entry.TargetType)
	targetID := strings.TrimSpace(entry.TargetID)
	if targetType == "" || targetID == "" {
		return auditdomain.ErrInvalidTarget
	}

	payload := datatypes.JSONMap{}
	for key, value := range entry.Metadata {
		if key != "" {
			payload[key] = value
		}
	}
	if runID := obscontext.RunIDFromContext(ctx); runID != "" {
		payload["run_id"] = runID
	}
	if job := obscontext.JobFromContext(ctx); job != "" {
		payload["job"] = job
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(auditdomain.ActorTypeSystem),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   payload,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if actorType != "" {
		row.ActorType = actorType
		if actorID != "" {
			row.ActorID = &actorID
		}
	}

	if err := s.repo.Insert(ctx, s.db, &row); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && !req.StartAt.Before(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil || id <= 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		afterID = id
	}

	limit := pagination.ClampPageSize(req.PageSize)
	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     strings.TrimSpace(req.Action),
		TargetType: strings.TrimSpace(req.TargetType),
		TargetID:   strings.TrimSpace(req.TargetID),
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		AfterID:    afterID,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	logs, page := pagination.Page(rows, limit, func(row auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: row.ID.String()}
	})
	if logs == nil {
		logs = []auditdomain.AuditLog{}
	}
	return auditdomain.ListResponse{PageInfo: page, AuditLogs: logs}, nil
}
