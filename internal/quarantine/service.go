package quarantine

import (
	"context"
	"fmt"
	"strconv"

	"teketeke/internal/audit"
	"teketeke/internal/fraud"
	"teketeke/internal/logger"
	"teketeke/internal/metrics"
)

// AlertSource is the slice of the fraud alert store the gate needs.
type AlertSource interface {
	LatestOpenHighForEntity(ctx context.Context, entityType, entityID string) (*fraud.Alert, error)
	GetByID(ctx context.Context, id int64) (*fraud.Alert, error)
}

// ResumeFunc replays a released operation from its payload snapshot.
type ResumeFunc func(ctx context.Context, op *Operation) error

type Service interface {
	Decide(ctx context.Context, entityType, entityID string, alertID *int64, incidentID string) (*Decision, error)
	Quarantine(ctx context.Context, op Operation) (created bool, out *Operation, err error)
	Release(ctx context.Context, id int64, actor string, replay bool) (*Operation, error)
	Cancel(ctx context.Context, id int64, actor string) (*Operation, error)
	RegisterResumeHandler(operationType string, fn ResumeFunc)
}

type service struct {
	repo     Repository
	alerts   AlertSource
	recorder *audit.Recorder
	resume   map[string]ResumeFunc
}

func NewService(repo Repository, alerts AlertSource, recorder *audit.Recorder) Service {
	return &service{
		repo:     repo,
		alerts:   alerts,
		recorder: recorder,
		resume:   make(map[string]ResumeFunc),
	}
}

// RegisterResumeHandler wires the replay logic for one operation type.
// Registration happens at startup, before any release can run.
func (s *service) RegisterResumeHandler(operationType string, fn ResumeFunc) {
	s.resume[operationType] = fn
}

// Decide reports whether an operation for the entity must be held. An
// explicit incident id forces quarantine; otherwise the most recent open
// high or critical alert for the entity does.
func (s *service) Decide(ctx context.Context, entityType, entityID string, alertID *int64, incidentID string) (*Decision, error) {
	if incidentID != "" {
		return &Decision{
			Quarantine: true,
			Reason:     "linked incident " + incidentID,
			Source:     SourceRiskScore,
			Severity:   fraud.SeverityHigh,
			IncidentID: incidentID,
		}, nil
	}

	var alert *fraud.Alert
	var err error
	if alertID != nil {
		alert, err = s.alerts.GetByID(ctx, *alertID)
		if err != nil {
			return nil, err
		}
		if alert.Status != fraud.StatusOpen ||
			(alert.Severity != fraud.SeverityHigh && alert.Severity != fraud.SeverityCritical) {
			alert = nil
		}
	} else {
		alert, err = s.alerts.LatestOpenHighForEntity(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
	}

	if alert == nil {
		return &Decision{Quarantine: false}, nil
	}

	return &Decision{
		Quarantine: true,
		Reason:     fmt.Sprintf("open %s alert %s", alert.Severity, alert.Type),
		Source:     SourceFraudAlert,
		Severity:   alert.Severity,
		AlertID:    &alert.ID,
	}, nil
}

func (s *service) Quarantine(ctx context.Context, op Operation) (bool, *Operation, error) {
	created, out, err := s.repo.Insert(ctx, op)
	if err != nil {
		return false, nil, err
	}

	if created {
		metrics.RecordQuarantine(out.OperationType)
		logger.Info("operation quarantined",
			"type", out.OperationType, "operation_id", out.OperationID, "reason", out.Reason)
		s.recorder.Record(ctx, "system", "operation_quarantined", "quarantined_operation",
			strconv.FormatInt(out.ID, 10), out)
	}

	return created, out, nil
}

// Release lifts the hold. With replay, the registered resume handler for the
// operation type re-applies the held operation from its payload snapshot;
// a replay failure leaves the record released and is reported to the caller.
func (s *service) Release(ctx context.Context, id int64, actor string, replay bool) (*Operation, error) {
	op, err := s.repo.Transition(ctx, id, StatusReleased, actor)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, actor, "quarantine_released", "quarantined_operation",
		strconv.FormatInt(op.ID, 10), map[string]interface{}{"replay": replay})

	if !replay {
		return op, nil
	}

	fn, ok := s.resume[op.OperationType]
	if !ok {
		return op, fmt.Errorf("no resume handler for operation type %q", op.OperationType)
	}
	if err := fn(ctx, op); err != nil {
		return op, fmt.Errorf("resume %s/%s: %w", op.OperationType, op.OperationID, err)
	}

	logger.Info("quarantined operation replayed", "type", op.OperationType, "operation_id", op.OperationID)
	return op, nil
}

func (s *service) Cancel(ctx context.Context, id int64, actor string) (*Operation, error) {
	op, err := s.repo.Transition(ctx, id, StatusCancelled, actor)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, actor, "quarantine_cancelled", "quarantined_operation",
		strconv.FormatInt(op.ID, 10), nil)

	return op, nil
}
