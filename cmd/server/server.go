package main

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/config"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/httpapi"
	"github.com/lumix/dmrv-engine/internal/ingest"
	"github.com/lumix/dmrv-engine/internal/irradiance"
	"github.com/lumix/dmrv-engine/internal/ledger"
	"github.com/lumix/dmrv-engine/internal/mq"
	"github.com/lumix/dmrv-engine/internal/report"
	"github.com/lumix/dmrv-engine/internal/repository"
	"github.com/lumix/dmrv-engine/internal/validator"
	"github.com/lumix/dmrv-engine/internal/verify"
)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func startHTTP(lc fx.Lifecycle, server *httpapi.Server, cfg *config.Config, logger *zap.Logger) {
	httpapi.Start(lc, server, cfg.HTTPPort, logger)
}

// ProvideDBPool creates the database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates the repository
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideLedgerStore exposes the repository as the ledger's store
func ProvideLedgerStore(repo *repository.Repository) ledger.Store {
	return repo
}

// ProvideIngestStore exposes the repository as the ingestion store
func ProvideIngestStore(repo *repository.Repository) ingest.Store {
	return repo
}

// ProvideReportStore exposes the repository as the reporting store
func ProvideReportStore(repo *repository.Repository) report.Store {
	return repo
}

// ProvideAuditStore exposes the repository as the audit trail store
func ProvideAuditStore(repo *repository.Repository) audit.Store {
	return repo
}

// ProvideIrradianceStore exposes the repository as the irradiance cache
func ProvideIrradianceStore(repo *repository.Repository) irradiance.Store {
	return repo
}

// ProvideIrradianceClient creates the NASA POWER client
func ProvideIrradianceClient(cfg *config.Config, logger *zap.Logger) *irradiance.Client {
	return irradiance.NewClient(cfg.Irradiance, logger)
}

// ProvideIrradianceGateway creates the caching irradiance gateway
func ProvideIrradianceGateway(store irradiance.Store, client *irradiance.Client, cfg *config.Config, logger *zap.Logger) *irradiance.Gateway {
	return irradiance.NewGateway(store, client, cfg.Irradiance.CachePrecision, logger)
}

// ProvideDetector creates the correlation and fraud detector
func ProvideDetector(cfg *config.Config) *verify.Detector {
	return verify.NewDetector(
		cfg.Verification.CorrelationThreshold,
		cfg.Verification.ExcessTolerance,
		cfg.Verification.MinHourlySamples,
	)
}

// ProvideValidator creates the reading validator
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Ingest.TimestampToleranceMinutes)
}

// ProvideMQConnection creates the RabbitMQ connection; nil when event
// publishing is disabled
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("rabbitmq disabled, credit events will not be published")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the credit event publisher; nil when disabled
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (ledger.EventPublisher, error) {
	if conn == nil {
		return nil, nil
	}
	pub, err := mq.NewPublisher(conn, cfg.RabbitMQ.CreditExchange, cfg.RabbitMQ.CreditRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// ProvideLedger creates the credit ledger
func ProvideLedger(
	store ledger.Store,
	gateway *irradiance.Gateway,
	detector *verify.Detector,
	publisher ledger.EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *ledger.Ledger {
	return ledger.New(store, gateway, detector, publisher, cfg.Verification, logger)
}

// ProvideIngestService creates the ingestion service
func ProvideIngestService(store ingest.Store, v *validator.Validator, logger *zap.Logger) *ingest.Service {
	return ingest.NewService(store, v, logger)
}

// ProvideReportService creates the reporting service
func ProvideReportService(store report.Store) *report.Service {
	return report.NewService(store)
}

// ProvideAuditTrail creates the audit trail verifier
func ProvideAuditTrail(store audit.Store, logger *zap.Logger) *audit.Trail {
	return audit.NewTrail(store, logger)
}

// ProvideHTTPServer creates the HTTP surface
func ProvideHTTPServer(
	l *ledger.Ledger,
	ingestSvc *ingest.Service,
	reportSvc *report.Service,
	trail *audit.Trail,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(l, ingestSvc, reportSvc, trail, logger)
}
