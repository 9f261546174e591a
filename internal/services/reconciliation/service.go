// Package reconciliation drives mail ingestion end to end: it connects
// mailboxes, syncs and parses their mail, resolves accounts and applies the
// resulting transactions through the ledger.
package reconciliation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/ledger"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/matching"
	"expense-reconciliation-backend/internal/services/parser"
)

var (
	// ErrReconnectRequired means the mailbox credentials are gone for good
	// and the user has to connect it again.
	ErrReconnectRequired = errors.New("mail integration requires reconnect")
	// ErrSyncInProgress is reported when the same mailbox is already syncing.
	ErrSyncInProgress = errors.New("sync already in progress for this integration")
	// ErrInvalidInput covers malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	stateTTL = 10 * time.Minute
	// Tokens this close to expiry are refreshed before use.
	refreshMargin = 5 * time.Minute
	// The background refresher renews tokens expiring within this window.
	tokenRefreshWindow = 10 * time.Minute
)

type ReconciliationService struct {
	db           *gorm.DB
	integrations *repository.IntegrationRepository
	parsed       *repository.ParsedTransactionRepository
	discovered   *repository.DiscoveredAccountRepository
	accounts     *repository.AccountRepository
	runs         *repository.SyncRunRepository

	gateways *mailgateway.Registry
	parser   *parser.Parser
	resolver *matching.Resolver
	ledger   *ledger.Ledger
	cipher   *mailgateway.TokenCipher
	states   *mailgateway.StateStore

	syncCfg   config.SyncConfig
	ledgerCfg config.LedgerConfig
	log       zerolog.Logger

	locks sync.Map // integrationID -> *sync.Mutex
	now   func() time.Time
}

func NewReconciliationService(
	db *gorm.DB,
	cfg *config.Config,
	gateways *mailgateway.Registry,
	p *parser.Parser,
	cipher *mailgateway.TokenCipher,
	log zerolog.Logger,
) (*ReconciliationService, error) {
	floor, err := decimal.NewFromString(cfg.Ledger.NegativeBalanceFloor)
	if err != nil {
		return nil, fmt.Errorf("ledger.negative_balance_floor: %w", err)
	}

	accounts := repository.NewAccountRepository(db)
	parsed := repository.NewParsedTransactionRepository(db)
	discovered := repository.NewDiscoveredAccountRepository(db)
	entries := repository.NewLedgerRepository(db)

	resolver := matching.NewResolver(db, accounts, discovered, parsed, log)
	syncCfg := cfg.Sync
	if syncCfg.Concurrency < 1 {
		syncCfg.Concurrency = 1
	}

	return &ReconciliationService{
		db:           db,
		integrations: repository.NewIntegrationRepository(db),
		parsed:       parsed,
		discovered:   discovered,
		accounts:     accounts,
		runs:         repository.NewSyncRunRepository(db),
		gateways:     gateways,
		parser:       p,
		resolver:     resolver,
		ledger:       ledger.New(db, accounts, parsed, entries, resolver, floor, log),
		cipher:       cipher,
		states:       mailgateway.NewStateStore(stateTTL),
		syncCfg:      syncCfg,
		ledgerCfg:    cfg.Ledger,
		log:          log.With().Str("component", "reconciliation").Logger(),
		now:          time.Now,
	}, nil
}

// lock returns the mutex guarding one integration's sync and reprocess.
func (s *ReconciliationService) lock(integrationID uuid.UUID) *sync.Mutex {
	val, _ := s.locks.LoadOrStore(integrationID, &sync.Mutex{})
	return val.(*sync.Mutex)
}

func (s *ReconciliationService) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *ReconciliationService) DB() *gorm.DB {
	return s.db
}
