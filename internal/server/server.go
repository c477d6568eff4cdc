package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"teketeke/internal/auth"
	"teketeke/internal/callback"
	"teketeke/internal/config"
	"teketeke/internal/destination"
	"teketeke/internal/fraud"
	"teketeke/internal/notify"
	"teketeke/internal/payout"
	"teketeke/internal/quarantine"
	"teketeke/internal/recon"
	"teketeke/internal/wallet"
)

// Deps carries the pre-wired services the router exposes.
type Deps struct {
	DB              *sqlx.DB
	Config          *config.Config
	Notify          *notify.Service
	CallbackService callback.Service
	PayoutService   payout.Service
	ReconService    recon.Service
	FraudRepo       fraud.Repository
	FraudService    fraud.Service
	QuarantineRepo  quarantine.Repository
	QuarantineSvc   quarantine.Service
}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
}

func New(deps Deps) *Server {
	registerValidators()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(RequestLoggingMiddleware())
	router.Use(MetricsMiddleware())

	walletHandler := wallet.NewHandler(deps.DB)
	destHandler := destination.NewHandler(deps.DB)
	callbackHandler := callback.NewHandler(deps.CallbackService)
	payoutHandler := payout.NewHandler(deps.PayoutService)
	reconHandler := recon.NewHandler(deps.ReconService, deps.Config.ReconWindow)
	fraudHandler := fraud.NewHandler(deps.FraudRepo, deps.FraudService)
	quarantineHandler := quarantine.NewHandler(deps.QuarantineRepo, deps.QuarantineSvc)

	// Provider callbacks are unauthenticated but rate-limited.
	callbacks := router.Group("/callbacks")
	callbacks.Use(RateLimitMiddleware(20, 40))
	{
		callbacks.POST("/payment", callbackHandler.Payment)
		callbacks.POST("/b2c-result", payoutHandler.B2CResult)
	}

	authMiddleware := auth.AuthMiddleware(deps.Config.JWTSecret)
	protected := router.Group("/")
	protected.Use(authMiddleware)
	{
		protected.GET("/wallets/:entityType/:entityID", walletHandler.ListByEntity)
		protected.GET("/wallets/id/:walletID", walletHandler.GetWallet)
		protected.GET("/wallets/id/:walletID/entries", walletHandler.ListEntries)
		protected.GET("/wallets/entries", walletHandler.EntriesByReference)

		protected.GET("/destinations/:entityType/:entityID", destHandler.ListByEntity)
		protected.POST("/destinations", destHandler.Upsert)

		protected.POST("/payouts/batches", payoutHandler.CreateBatch)
		protected.GET("/payouts/batches", payoutHandler.ListBatches)
		protected.GET("/payouts/batches/:batchID", payoutHandler.GetBatch)
		protected.GET("/payouts/batches/:batchID/readiness", payoutHandler.Readiness)
		protected.POST("/payouts/batches/:batchID/submit", payoutHandler.Submit)

		protected.GET("/recon/items", reconHandler.ListItems)
		protected.GET("/recon/runs", reconHandler.ListRuns)
		protected.GET("/recon/exceptions", reconHandler.Exceptions)

		protected.GET("/fraud/alerts", fraudHandler.List)
		protected.GET("/fraud/alerts/:alertID", fraudHandler.Get)

		protected.GET("/quarantine", quarantineHandler.List)
	}

	adminMiddleware := auth.RequireRole("admin")
	admin := router.Group("/admin")
	admin.Use(authMiddleware, adminMiddleware)
	{
		admin.POST("/wallets/adjust", walletHandler.Adjust)
		admin.POST("/destinations/:destID/verify", destHandler.SetVerified)

		admin.POST("/payouts/batches/:batchID/approve", payoutHandler.Approve)
		admin.POST("/payouts/batches/:batchID/cancel", payoutHandler.Cancel)
		admin.POST("/payouts/batches/:batchID/process", payoutHandler.Process)

		admin.POST("/recon/run", reconHandler.Run)
		admin.POST("/fraud/scan", fraudHandler.Scan)
		admin.POST("/fraud/alerts/:alertID/resolve", fraudHandler.Resolve)

		admin.POST("/quarantine/:opID/release", quarantineHandler.Release)
		admin.POST("/quarantine/:opID/cancel", quarantineHandler.Cancel)

		admin.GET("/test-sms", TestSMS(deps.Notify))
	}

	router.GET("/health", Health)
	router.GET("/metrics", Metrics())

	return &Server{router: router, deps: deps}
}

func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
