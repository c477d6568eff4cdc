package callback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"teketeke/internal/audit"
	"teketeke/internal/db"
	"teketeke/internal/logger"
	"teketeke/internal/metrics"
	"teketeke/internal/wallet"
)

var ErrInvalidConfirmation = errors.New("invalid confirmation")

type Service interface {
	Record(ctx context.Context, conf Confirmation) (*Event, error)
}

type service struct {
	database   *sqlx.DB
	repo       Repository
	walletRepo wallet.Repository
	recorder   *audit.Recorder
}

func NewService(database *sqlx.DB, repo Repository, walletRepo wallet.Repository, recorder *audit.Recorder) Service {
	return &service{
		database:   database,
		repo:       repo,
		walletRepo: walletRepo,
		recorder:   recorder,
	}
}

// Record stores the confirmation and, for a first delivery, credits the
// target wallet. The event insert and the ledger credit commit as one unit:
// either both land or neither does. Replays return the stored event
// untouched apart from the duplicate counter.
func (s *service) Record(ctx context.Context, conf Confirmation) (*Event, error) {
	if conf.Kind != KindC2B && conf.Kind != KindSTK {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfirmation, conf.Kind)
	}
	if conf.ProviderRef == "" || !conf.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: provider_ref and positive amount required", ErrInvalidConfirmation)
	}

	var out *Event
	err := db.InTx(ctx, s.database, func(tx *sqlx.Tx) error {
		created, ev, err := s.repo.InsertTx(ctx, tx, conf)
		if err != nil {
			return err
		}
		out = ev

		if !created {
			metrics.RecordCallback(conf.Kind, OutcomeDuplicate)
			logger.Info("duplicate payment callback", "kind", conf.Kind, "ref", conf.ProviderRef, "count", ev.DuplicateCount)
			return nil
		}

		entityType, entityID, kind, ok := parseAccountRef(conf.AccountRef)
		if !ok {
			metrics.RecordCallback(conf.Kind, OutcomeUnmatched)
			logger.Error("unmatched payment callback", "kind", conf.Kind, "ref", conf.ProviderRef, "account_ref", conf.AccountRef)
			return nil
		}

		w, err := s.walletRepo.GetOrCreateTx(ctx, tx, entityType, entityID, kind)
		if err != nil {
			return err
		}

		_, err = s.walletRepo.CreditTx(ctx, tx, wallet.MovementParams{
			WalletID:      w.ID,
			Amount:        conf.Amount,
			EntryType:     wallet.EntryExternalCredit,
			ReferenceType: "callback_event",
			ReferenceID:   strconv.FormatInt(ev.ID, 10),
			Description:   fmt.Sprintf("%s payment %s", conf.Kind, conf.ProviderRef),
		})
		if err != nil {
			return err
		}

		if err := s.repo.SetOutcomeTx(ctx, tx, ev.ID, OutcomeCredited, &w.ID); err != nil {
			return err
		}
		ev.Outcome = OutcomeCredited
		ev.WalletID = &w.ID

		metrics.RecordCallback(conf.Kind, OutcomeCredited)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, "provider", "payment_callback_"+out.Outcome, "callback_event",
		strconv.FormatInt(out.ID, 10), map[string]string{
			"kind":         conf.Kind,
			"provider_ref": conf.ProviderRef,
			"amount":       conf.Amount.String(),
		})

	return out, nil
}

// parseAccountRef maps a provider account reference of the form
// "<entity_type>-<entity_id>-<kind>" (e.g. "sacco-7-fees") to a wallet.
// An omitted kind defaults to fees.
func parseAccountRef(ref string) (entityType string, entityID int64, kind string, ok bool) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(ref)), "-")
	if len(parts) < 2 {
		return "", 0, "", false
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, "", false
	}

	kind = wallet.KindFees
	if len(parts) >= 3 {
		switch parts[2] {
		case wallet.KindFees, wallet.KindLoans, wallet.KindSavings, wallet.KindPersonal:
			kind = parts[2]
		default:
			return "", 0, "", false
		}
	}

	return parts[0], id, kind, true
}
