package internal

import (
	"github.com/hbomb79/Iris/internal/database"
	"github.com/hbomb79/Iris/internal/ledger"
)

type (
	// dataOrchestrator is responsible for managing Iris' persisted state.
	// You can think of the data stores below this layer being 'dumb', and
	// this store linking them together and providing the database instance.
	//
	// The ledger is optional persistence: when the database is disabled or
	// never connected, every method returns ledger.ErrLedgerUnavailable and
	// callers degrade (the pipeline skips idempotency checks, the API
	// answers with service-unavailable).
	dataOrchestrator struct {
		db          database.Manager
		LedgerStore *ledger.Store
	}
)

func NewDataOrchestrator(db database.Manager) (*dataOrchestrator, error) {
	if db.GetSqlxDb() != nil {
		panic("cannot construct iris data store with an already connected database")
	}

	return &dataOrchestrator{
		db:          db,
		LedgerStore: ledger.NewStore(),
	}, nil
}

// Placements

func (data *dataOrchestrator) RecordPlacement(placement ledger.Placement) error {
	db := data.db.GetSqlxDb()
	if db == nil {
		return ledger.ErrLedgerUnavailable
	}

	return data.LedgerStore.RecordPlacement(db, placement)
}

func (data *dataOrchestrator) FindPlacement(identityKey string) (*ledger.Placement, error) {
	db := data.db.GetSqlxDb()
	if db == nil {
		return nil, ledger.ErrLedgerUnavailable
	}

	return data.LedgerStore.GetPlacementByIdentity(db, identityKey)
}

func (data *dataOrchestrator) ListPlacements() ([]*ledger.Placement, error) {
	db := data.db.GetSqlxDb()
	if db == nil {
		return nil, ledger.ErrLedgerUnavailable
	}

	return data.LedgerStore.ListPlacements(db)
}

// Batches

func (data *dataOrchestrator) RecordBatch(batch ledger.Batch) error {
	db := data.db.GetSqlxDb()
	if db == nil {
		return ledger.ErrLedgerUnavailable
	}

	return data.LedgerStore.RecordBatch(db, batch)
}

func (data *dataOrchestrator) LatestBatches(limit int) ([]*ledger.Batch, error) {
	db := data.db.GetSqlxDb()
	if db == nil {
		return nil, ledger.ErrLedgerUnavailable
	}

	return data.LedgerStore.LatestBatches(db, limit)
}
