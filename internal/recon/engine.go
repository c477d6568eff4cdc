package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"teketeke/internal/audit"
	"teketeke/internal/logger"
	"teketeke/internal/metrics"
)

type RunResult struct {
	Run   Run    `json:"run"`
	Items []Item `json:"items"`
}

type Service interface {
	Run(ctx context.Context, windowStart, windowEnd time.Time, dry bool) (*RunResult, error)
	ListItems(ctx context.Context, status string, limit, offset int) ([]Item, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	OpenExceptions(ctx context.Context, since time.Time) ([]Item, error)
}

type service struct {
	repo     Repository
	fetcher  ProviderFetcher
	recorder *audit.Recorder
}

func NewService(repo Repository, fetcher ProviderFetcher, recorder *audit.Recorder) Service {
	return &service{repo: repo, fetcher: fetcher, recorder: recorder}
}

// Run reconciles one window. Dry mode classifies without writing, so an
// operator can preview the verdicts before committing them.
func (s *service) Run(ctx context.Context, windowStart, windowEnd time.Time, dry bool) (*RunResult, error) {
	inbound, err := s.fetcher.FetchInbound(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("recon run: %w", err)
	}
	outbound, err := s.fetcher.FetchOutbound(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("recon run: %w", err)
	}

	result := &RunResult{Run: Run{
		ID:          uuid.New(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Dry:         dry,
	}}
	totals := make(map[string]map[string]int)

	for _, txn := range append(inbound, outbound...) {
		it, err := s.classify(ctx, txn)
		if err != nil {
			return nil, fmt.Errorf("recon run: classify %s/%s: %w", txn.Kind, txn.Ref, err)
		}

		if !dry {
			persisted, err := s.repo.UpsertItem(ctx, *it)
			if err != nil {
				return nil, fmt.Errorf("recon run: persist %s/%s: %w", txn.Kind, txn.Ref, err)
			}
			it = persisted
			metrics.RecordReconItem(it.Kind, it.Status)
		}

		result.Items = append(result.Items, *it)
		if totals[it.Kind] == nil {
			totals[it.Kind] = make(map[string]int)
		}
		totals[it.Kind][it.Status]++
	}

	result.Run.Totals, _ = json.Marshal(totals)
	if !dry {
		if err := s.repo.InsertRun(ctx, result.Run); err != nil {
			return nil, fmt.Errorf("recon run: persist run: %w", err)
		}
		s.recorder.Record(ctx, "system", "recon_run", "recon_run",
			result.Run.ID.String(), totals)
	}

	logger.Info("reconciliation run finished",
		"run_id", result.Run.ID, "items", len(result.Items), "dry", dry)
	return result, nil
}

// classify applies the verdict rules in priority order: no candidate, too
// many candidates, amount disagreement, match.
func (s *service) classify(ctx context.Context, txn ProviderTxn) (*Item, error) {
	var candidates []Candidate
	var err error
	if txn.Kind == KindB2C {
		candidates, err = s.repo.OutboundCandidates(ctx, txn.Ref)
	} else {
		candidates, err = s.repo.InboundCandidates(ctx, txn.Kind, txn.Ref)
	}
	if err != nil {
		return nil, err
	}

	it := &Item{
		Domain:         Domain,
		Kind:           txn.Kind,
		ProviderRef:    txn.Ref,
		ProviderAmount: txn.Amount,
		LastSeenAt:     time.Now(),
	}

	switch {
	case len(candidates) == 0:
		it.Status = StatusMissingInternal
	case len(candidates) > 1:
		it.Status = StatusDuplicate
		it.InternalRef = fmt.Sprintf("%d", candidates[0].ID)
		it.Details, _ = json.Marshal(map[string]interface{}{"candidate_count": len(candidates)})
	case !candidates[0].Amount.Equal(txn.Amount):
		it.Status = StatusMismatchAmount
		it.InternalRef = fmt.Sprintf("%d", candidates[0].ID)
		it.Details, _ = json.Marshal(map[string]string{
			"provider_amount": txn.Amount.StringFixed(2),
			"internal_amount": candidates[0].Amount.StringFixed(2),
		})
	default:
		it.Status = StatusMatched
		it.InternalRef = fmt.Sprintf("%d", candidates[0].ID)
	}

	return it, nil
}

func (s *service) ListItems(ctx context.Context, status string, limit, offset int) ([]Item, error) {
	return s.repo.ListItems(ctx, status, limit, offset)
}

func (s *service) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return s.repo.ListRuns(ctx, limit)
}

func (s *service) OpenExceptions(ctx context.Context, since time.Time) ([]Item, error) {
	return s.repo.OpenExceptions(ctx, since)
}
