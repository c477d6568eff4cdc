package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"teketeke/internal/audit"
	"teketeke/internal/callback"
	"teketeke/internal/config"
	"teketeke/internal/db"
	"teketeke/internal/destination"
	"teketeke/internal/fraud"
	"teketeke/internal/logger"
	"teketeke/internal/notify"
	"teketeke/internal/payout"
	"teketeke/internal/quarantine"
	"teketeke/internal/recon"
	"teketeke/internal/scheduler"
	"teketeke/internal/server"
	"teketeke/internal/wallet"
)

func main() {

	logger.Init()
	logger.Info("Starting TekeTeke application")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Connecting to database...")
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	logger.Info("Database connected")

	if err := db.RunMigrations(database, "migrations"); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Migrations completed")

	notifySvc := notify.New(cfg.RedisAddr, cfg.SMSGatewayURL, cfg.SMSGatewayToken)
	defer notifySvc.Close()
	logger.Info("Notification service initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifySvc.Start(ctx)

	recorder := audit.NewRecorder(database)
	walletRepo := wallet.NewRepository(database)
	destRepo := destination.NewRepository(database)
	callbackRepo := callback.NewRepository(database)
	payoutRepo := payout.NewRepository(database)
	reconRepo := recon.NewRepository(database)
	fraudRepo := fraud.NewRepository(database)
	quarantineRepo := quarantine.NewRepository(database)

	fraudSvc := fraud.NewService(fraudRepo, notifySvc, fraud.Config{
		BurstThreshold:          cfg.BurstThreshold,
		BurstWindow:             cfg.BurstWindow,
		PayoutFailureThreshold:  cfg.PayoutFailureThreshold,
		ReconExceptionThreshold: cfg.ReconExceptionThreshold,
		DetectorWindow:          cfg.DetectorWindow,
		EscalationAge:           cfg.EscalationAge,
		ReminderInterval:        cfg.ReminderInterval,
		NotifyCooldown:          cfg.NotifyCooldown,
		OpsMSISDNs:              splitMSISDNs(cfg.OpsAlertMSISDNs),
	})

	quarantineSvc := quarantine.NewService(quarantineRepo, fraudRepo, recorder)

	callbackSvc := callback.NewService(database, callbackRepo, walletRepo, recorder)

	payoutSvc := payout.NewService(
		database,
		payoutRepo,
		walletRepo,
		destRepo,
		quarantineSvc,
		fraudSvc,
		payout.NewB2CDispatcher(cfg),
		recorder,
		cfg.B2CConfigured,
		cfg.StuckSendingAge,
	)

	reconSvc := recon.NewService(
		reconRepo,
		recon.NewHTTPFetcher(cfg.StatementURL, cfg.StatementToken, cfg.StatementTimeout),
		recorder,
	)

	registerResumeHandlers(quarantineSvc, payoutSvc, walletRepo)

	srv := server.New(server.Deps{
		DB:              database,
		Config:          cfg,
		Notify:          notifySvc,
		CallbackService: callbackSvc,
		PayoutService:   payoutSvc,
		ReconService:    reconSvc,
		FraudRepo:       fraudRepo,
		FraudService:    fraudSvc,
		QuarantineRepo:  quarantineRepo,
		QuarantineSvc:   quarantineSvc,
	})

	sched := scheduler.New(
		scheduler.Job{
			Name:     "fraud_scan",
			Interval: cfg.DetectorWindow / 4,
			Run: func(ctx context.Context) error {
				_, err := fraudSvc.ScanAll(ctx, time.Now().UTC())
				return err
			},
		},
		scheduler.Job{
			Name:     "alert_escalation",
			Interval: cfg.ReminderInterval,
			Run: func(ctx context.Context) error {
				_, _, err := fraudSvc.EscalationSweep(ctx, time.Now().UTC())
				return err
			},
		},
		scheduler.Job{
			Name:     "stuck_payout_sweep",
			Interval: cfg.StuckSendingAge / 2,
			Run: func(ctx context.Context) error {
				_, err := payoutSvc.SweepStuckSending(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     "recon_run",
			Interval: cfg.ReconWindow,
			Run: func(ctx context.Context) error {
				end := time.Now().UTC()
				_, err := reconSvc.Run(ctx, end.Add(-cfg.ReconWindow), end, false)
				return err
			},
		},
		scheduler.Job{
			Name:     "auto_draft_batches",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				end := time.Now().UTC().Truncate(24 * time.Hour)
				_, err := payoutSvc.AutoDraft(ctx, "sacco", end.Add(-24*time.Hour), end)
				return err
			},
		},
	)
	sched.Start(ctx)
	defer sched.Stop()

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := srv.Start(cfg.Port); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v", sig)
	case err := <-serverErrChan:
		logger.Errorf("Server error: %v", err)
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

// registerResumeHandlers wires the replay logic for released quarantined
// operations. A payout item goes back to the pending queue; a held wallet
// credit is applied from the payload snapshot.
func registerResumeHandlers(qs quarantine.Service, ps payout.Service, wallets wallet.Repository) {
	qs.RegisterResumeHandler(quarantine.OpPayoutItem, func(ctx context.Context, op *quarantine.Operation) error {
		itemID, err := strconv.ParseInt(op.OperationID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid payout item id %q: %w", op.OperationID, err)
		}
		return ps.RequeueItem(ctx, itemID)
	})

	qs.RegisterResumeHandler(quarantine.OpWalletCredit, func(ctx context.Context, op *quarantine.Operation) error {
		var snap struct {
			WalletID      int64  `json:"wallet_id"`
			Amount        string `json:"amount"`
			EntryType     string `json:"entry_type"`
			ReferenceType string `json:"reference_type"`
			ReferenceID   string `json:"reference_id"`
			Description   string `json:"description"`
		}
		if err := json.Unmarshal(op.Payload, &snap); err != nil {
			return fmt.Errorf("decode wallet credit payload: %w", err)
		}
		amount, err := decimal.NewFromString(snap.Amount)
		if err != nil {
			return fmt.Errorf("invalid held credit amount %q: %w", snap.Amount, err)
		}
		_, err = wallets.Credit(ctx, wallet.MovementParams{
			WalletID:      snap.WalletID,
			Amount:        amount,
			EntryType:     snap.EntryType,
			ReferenceType: snap.ReferenceType,
			ReferenceID:   snap.ReferenceID,
			Description:   snap.Description,
		})
		return err
	})
}

func splitMSISDNs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
