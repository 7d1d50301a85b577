package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	executor SQLExecutor
	logger   *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		executor: db,
		logger:   logger,
	}
}

func (s *Store) Accounts() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.logger)
}

func (s *Store) Sagas() domain.SagaRepository {
	return NewSagaRepository(s.executor, s.logger)
}

func (s *Store) DepositAccounts() domain.DepositAccountRepository {
	return NewDepositAccountRepository(s.executor, s.logger)
}

func (s *Store) DepositTransactions() domain.DepositTransactionRepository {
	return NewDepositTransactionRepository(s.executor, s.logger)
}

func (s *Store) Holds() domain.HoldRepository {
	return NewHoldRepository(s.executor, s.logger)
}

func (s *Store) Outbox() domain.OutboxRepository {
	return NewOutboxRepository(s.executor, s.logger)
}

func (s *Store) Sequences() domain.SequenceRepository {
	return NewSequenceRepository(s.executor, s.logger)
}

// WithTransaction executes a function within a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	// Only sql.DB can begin transactions
	db, ok := s.executor.(*sql.DB)
	if !ok {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txStore := &Store{
		executor: &TxWrapper{Tx: tx},
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
