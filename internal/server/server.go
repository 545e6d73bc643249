package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/creatorledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	commissiondomain "github.com/smallbiznis/creatorledger/internal/commission/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creatorledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creatorledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	settlementdomain "github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	ledgerSvc     ledgerdomain.Service
	balanceSvc    balancedomain.Service
	commissionSvc commissiondomain.Service
	settlementSvc settlementdomain.Service
	paymentSvc    paymentdomain.Service
	payoutSvc     payoutdomain.Service
	auditSvc      auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	LedgerSvc     ledgerdomain.Service
	BalanceSvc    balancedomain.Service
	CommissionSvc commissiondomain.Service
	SettlementSvc settlementdomain.Service
	PaymentSvc    paymentdomain.Service
	PayoutSvc     payoutdomain.Service
	AuditSvc      auditdomain.Service `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.server"),
		ledgerSvc:     p.LedgerSvc,
		balanceSvc:    p.BalanceSvc,
		commissionSvc: p.CommissionSvc,
		settlementSvc: p.SettlementSvc,
		paymentSvc:    p.PaymentSvc,
		payoutSvc:     p.PayoutSvc,
		auditSvc:      p.AuditSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	// gateways retry on anything but 2xx, so these never sit behind auth
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Purchases --------
	api.POST("/purchases", s.CreatePurchase)
	api.POST("/purchases/tokens", s.CreateTokenPurchase)

	// -------- Content lifecycle --------
	api.POST("/events/content-deleted", s.PublishContentDeleted)

	// -------- Creators --------
	creators := api.Group("/creators/:id")
	{
		creators.GET("/available-balance", s.GetAvailableBalance)
		creators.GET("/earnings", s.ListEarnings)
		creators.GET("/payouts", s.ListPayouts)
		creators.POST("/payouts", s.RequestPayout)
		creators.GET("/commissions", s.ListCreatorCommissions)
	}

	// -------- Accounts --------
	accounts := api.Group("/accounts/:kind/:id")
	{
		accounts.GET("/balance", s.GetAccountBalance)
		accounts.GET("/transactions", s.ListAccountTransactions)
		accounts.GET("/change-logs", s.ListAccountChangeLogs)
	}

	api.GET("/transactions/:id", s.GetTransaction)
	api.GET("/payouts/:id", s.GetPayout)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.AdminRequired())

	admin.POST("/payouts/:id/decision", s.DecidePayout)
	admin.POST("/accounts/:kind/:id/adjust", s.AdminAdjustBalance)

	admin.GET("/settlement-failures", s.ListSettlementFailures)
	admin.POST("/settlement-failures/:id/resolve", s.ResolveSettlementFailure)
	admin.POST("/transactions/:id/reverse", s.ReverseTransaction)

	admin.PUT("/commissions/creators/:id/:category", s.SetCreatorCommission)
	admin.DELETE("/commissions/creators/:id/:category", s.RemoveCreatorCommission)
	admin.PUT("/commissions/global/:category", s.SetGlobalCommission)

	admin.GET("/payment-providers", s.ListPaymentProviderConfigs)
	admin.PUT("/payment-providers", s.UpsertPaymentProviderConfig)
	admin.PATCH("/payment-providers/:provider", s.UpdatePaymentProviderStatus)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
