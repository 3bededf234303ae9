package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/repository"
)

// AuditService records security-relevant events. Recording is best
// effort; an audit failure never fails the operation being audited.
type AuditService interface {
	Record(ctx context.Context, actor models.Actor, action, resourceType, resourceID string, details map[string]any, ip string)
	Recent(ctx context.Context, actor models.Actor, limit int) ([]*models.AuditLog, error)
}

type auditService struct {
	audit  repository.AuditRepository
	logger *slog.Logger
}

// NewAuditService creates an audit service.
func NewAuditService(audit repository.AuditRepository, logger *slog.Logger) AuditService {
	return &auditService{audit: audit, logger: logger.With("component", "audit_service")}
}

func (s *auditService) Record(ctx context.Context, actor models.Actor, action, resourceType, resourceID string, details map[string]any, ip string) {
	log := &models.AuditLog{
		UserID:       &actor.UserID,
		CompanyID:    &actor.CompanyID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if ip != "" {
		log.IPAddress = &ip
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			log.Details = b
		}
	}
	if err := s.audit.InsertAuditLog(ctx, log); err != nil {
		s.logger.Error("audit record not written", "action", action, "error", err)
	}
}

// Recent lists the newest audit entries of the actor's tenant. Only
// admins may read the trail.
func (s *auditService) Recent(ctx context.Context, actor models.Actor, limit int) ([]*models.AuditLog, error) {
	if !actor.IsAdmin() {
		return nil, apierrors.ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.audit.ListByCompany(ctx, actor.CompanyID, limit)
}

var _ AuditService = (*auditService)(nil)
