package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"teketeke/internal/logger"
	"teketeke/internal/metrics"
)

// Notifier is the alert-routing collaborator. Delivery is best effort and
// must never fail a detector run.
type Notifier interface {
	Send(ctx context.Context, channel, destination, message string, metadata map[string]string)
}

type Config struct {
	BurstThreshold          int
	BurstWindow             time.Duration
	PayoutFailureThreshold  int
	ReconExceptionThreshold int
	DetectorWindow          time.Duration
	EscalationAge           time.Duration
	ReminderInterval        time.Duration
	NotifyCooldown          time.Duration
	OpsMSISDNs              []string
}

type ScanResult struct {
	DuplicateAttempts    int `json:"duplicate_attempts"`
	Bursts               int `json:"bursts"`
	AmountMismatches     int `json:"amount_mismatches"`
	PayoutFailureSpikes  int `json:"payout_failure_spikes"`
	ReconExceptionSpikes int `json:"recon_exception_spikes"`
	NewAlerts            int `json:"new_alerts"`
}

type Service interface {
	ScanAll(ctx context.Context, now time.Time) (*ScanResult, error)
	DetectDuplicateAttempts(ctx context.Context, now time.Time) ([]Alert, error)
	DetectBursts(ctx context.Context, now time.Time) ([]Alert, error)
	DetectAmountMismatches(ctx context.Context, now time.Time) ([]Alert, error)
	DetectPayoutFailureSpikes(ctx context.Context, now time.Time) ([]Alert, error)
	DetectReconExceptionSpike(ctx context.Context, now time.Time) ([]Alert, error)
	Raise(ctx context.Context, a Alert) (created bool, alert *Alert, err error)
	EscalationSweep(ctx context.Context, now time.Time) (promoted, reminded int, err error)
}

type service struct {
	repo     Repository
	notifier Notifier
	cfg      Config
}

func NewService(repo Repository, notifier Notifier, cfg Config) Service {
	return &service{repo: repo, notifier: notifier, cfg: cfg}
}

func (s *service) ScanAll(ctx context.Context, now time.Time) (*ScanResult, error) {
	result := &ScanResult{}

	steps := []struct {
		name string
		fn   func(context.Context, time.Time) ([]Alert, error)
		dst  *int
	}{
		{"duplicate attempts", s.DetectDuplicateAttempts, &result.DuplicateAttempts},
		{"bursts", s.DetectBursts, &result.Bursts},
		{"amount mismatches", s.DetectAmountMismatches, &result.AmountMismatches},
		{"payout failure spikes", s.DetectPayoutFailureSpikes, &result.PayoutFailureSpikes},
		{"recon exception spike", s.DetectReconExceptionSpike, &result.ReconExceptionSpikes},
	}

	for _, step := range steps {
		alerts, err := step.fn(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("detect %s: %w", step.name, err)
		}
		*step.dst = len(alerts)
		result.NewAlerts += len(alerts)
	}

	logger.Info("fraud scan completed",
		"duplicates", result.DuplicateAttempts,
		"bursts", result.Bursts,
		"mismatches", result.AmountMismatches,
		"payout_spikes", result.PayoutFailureSpikes,
		"recon_spikes", result.ReconExceptionSpikes,
	)
	return result, nil
}

// DetectDuplicateAttempts raises a medium alert for every provider reference
// replayed at least twice in the window.
func (s *service) DetectDuplicateAttempts(ctx context.Context, now time.Time) ([]Alert, error) {
	groups, err := s.repo.DuplicateCallbacks(ctx, now.Add(-s.cfg.DetectorWindow))
	if err != nil {
		return nil, err
	}

	var raised []Alert
	for _, g := range groups {
		details, _ := json.Marshal(map[string]interface{}{
			"kind":         g.Kind,
			"provider_ref": g.ProviderRef,
			"count":        g.Count,
		})
		created, alert, err := s.Raise(ctx, Alert{
			Type:        TypeDuplicateAttempt,
			Severity:    SeverityMedium,
			EntityType:  "provider_ref",
			EntityID:    g.ProviderRef,
			Fingerprint: Fingerprint(TypeDuplicateAttempt, g.Kind+":"+g.ProviderRef, now),
			Summary:     fmt.Sprintf("%d duplicate %s callbacks for %s", g.Count, g.Kind, g.ProviderRef),
			Details:     details,
		})
		if err != nil {
			return nil, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}
	return raised, nil
}

func (s *service) DetectBursts(ctx context.Context, now time.Time) ([]Alert, error) {
	groups, err := s.repo.CallbacksByRequester(ctx, now.Add(-s.cfg.BurstWindow))
	if err != nil {
		return nil, err
	}

	var raised []Alert
	for _, g := range groups {
		if g.Count < s.cfg.BurstThreshold {
			continue
		}
		details, _ := json.Marshal(map[string]interface{}{
			"msisdn":    g.MSISDN,
			"count":     g.Count,
			"threshold": s.cfg.BurstThreshold,
		})
		created, alert, err := s.Raise(ctx, Alert{
			Type:        TypeCallbackBurst,
			Severity:    SeverityHigh,
			EntityType:  "msisdn",
			EntityID:    g.MSISDN,
			Fingerprint: Fingerprint(TypeCallbackBurst, g.MSISDN, now),
			Summary:     fmt.Sprintf("%d callbacks from %s within %s", g.Count, g.MSISDN, s.cfg.BurstWindow),
			Details:     details,
		})
		if err != nil {
			return nil, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}
	return raised, nil
}

func (s *service) DetectAmountMismatches(ctx context.Context, now time.Time) ([]Alert, error) {
	rows, err := s.repo.OpenAmountMismatches(ctx)
	if err != nil {
		return nil, err
	}

	var raised []Alert
	for _, row := range rows {
		created, alert, err := s.Raise(ctx, Alert{
			Type:        TypeAmountMismatch,
			Severity:    SeverityMedium,
			EntityType:  "provider_ref",
			EntityID:    row.ProviderRef,
			Fingerprint: Fingerprint(TypeAmountMismatch, row.Kind+":"+row.ProviderRef, now),
			Summary:     fmt.Sprintf("amount mismatch on %s transaction %s", row.Kind, row.ProviderRef),
			Details:     row.Details,
		})
		if err != nil {
			return nil, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}
	return raised, nil
}

func (s *service) DetectPayoutFailureSpikes(ctx context.Context, now time.Time) ([]Alert, error) {
	groups, err := s.repo.FailedPayoutsByDestination(ctx, now.Add(-s.cfg.DetectorWindow))
	if err != nil {
		return nil, err
	}

	var raised []Alert
	for _, g := range groups {
		if g.Count < s.cfg.PayoutFailureThreshold {
			continue
		}
		details, _ := json.Marshal(map[string]interface{}{
			"dest_ref": g.DestRef,
			"count":    g.Count,
			"total":    g.Total.String(),
		})
		created, alert, err := s.Raise(ctx, Alert{
			Type:        TypePayoutFailureSpike,
			Severity:    SeverityHigh,
			EntityType:  "payout_destination",
			EntityID:    g.DestRef,
			Fingerprint: Fingerprint(TypePayoutFailureSpike, g.DestRef, now),
			Summary:     fmt.Sprintf("%d failed payouts to %s", g.Count, g.DestRef),
			Details:     details,
		})
		if err != nil {
			return nil, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}
	return raised, nil
}

// DetectReconExceptionSpike raises one window-wide medium alert when open
// exception-class recon items cross the threshold.
func (s *service) DetectReconExceptionSpike(ctx context.Context, now time.Time) ([]Alert, error) {
	count, err := s.repo.CountOpenReconExceptions(ctx, now.Add(-s.cfg.DetectorWindow))
	if err != nil {
		return nil, err
	}
	if count < s.cfg.ReconExceptionThreshold {
		return nil, nil
	}

	details, _ := json.Marshal(map[string]interface{}{
		"count":     count,
		"threshold": s.cfg.ReconExceptionThreshold,
	})
	created, alert, err := s.Raise(ctx, Alert{
		Type:        TypeReconExceptionSpike,
		Severity:    SeverityMedium,
		EntityType:  "recon_window",
		EntityID:    "all",
		Fingerprint: Fingerprint(TypeReconExceptionSpike, "window", now),
		Summary:     fmt.Sprintf("%d open reconciliation exceptions in window", count),
		Details:     details,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return []Alert{*alert}, nil
}

// Raise upserts an alert. A fresh high or critical alert notifies operators,
// subject to the per-alert cooldown.
func (s *service) Raise(ctx context.Context, a Alert) (bool, *Alert, error) {
	created, alert, err := s.repo.Upsert(ctx, a)
	if err != nil {
		return false, nil, err
	}

	if created {
		metrics.RecordFraudAlert(alert.Type, alert.Severity)
		logger.Info("fraud alert raised",
			"type", alert.Type, "severity", alert.Severity, "fingerprint", alert.Fingerprint)
	}

	if alert.Severity == SeverityHigh || alert.Severity == SeverityCritical {
		s.notify(ctx, alert)
	}

	return created, alert, nil
}

func (s *service) notify(ctx context.Context, alert *Alert) {
	if alert.LastNotifiedAt != nil && time.Since(*alert.LastNotifiedAt) < s.cfg.NotifyCooldown {
		return
	}

	msg := fmt.Sprintf("[%s] %s alert #%d: %s", alert.Severity, alert.Type, alert.ID, alert.Summary)
	for _, dest := range s.cfg.OpsMSISDNs {
		s.notifier.Send(ctx, "sms", dest, msg, map[string]string{
			"alert_id": strconv.FormatInt(alert.ID, 10),
			"type":     alert.Type,
		})
	}

	if err := s.repo.MarkNotified(ctx, alert.ID); err != nil {
		logger.Errorf("fraud: failed to mark alert %d notified: %v", alert.ID, err)
	}
}

// EscalationSweep promotes aged open medium alerts to high and re-notifies
// open high alerts that have gone silent.
func (s *service) EscalationSweep(ctx context.Context, now time.Time) (int, int, error) {
	promoted, err := s.repo.Escalate(ctx, now.Add(-s.cfg.EscalationAge))
	if err != nil {
		return 0, 0, err
	}
	for i := range promoted {
		logger.Info("fraud alert escalated", "id", promoted[i].ID, "type", promoted[i].Type)
		s.notify(ctx, &promoted[i])
	}

	silent, err := s.repo.OpenHighSilentSince(ctx, now.Add(-s.cfg.ReminderInterval))
	if err != nil {
		return len(promoted), 0, err
	}
	for i := range silent {
		s.notify(ctx, &silent[i])
	}

	return len(promoted), len(silent), nil
}
