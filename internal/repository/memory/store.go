// Package memory is an in-process domain.Store. A transaction holds the store lock
// for its whole duration and restores a snapshot when fn fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type state struct {
	accounts        map[string]domain.Account
	sagas           map[string]domain.Saga
	depositAccounts map[string]domain.DepositAccount
	transactions    []domain.DepositTransaction
	holds           map[uuid.UUID]domain.DepositHold
	outbox          []domain.OutboxEvent
	sequences       map[string]int64
	offsets         map[string]int64
}

func newState() *state {
	return &state{
		accounts:        make(map[string]domain.Account),
		sagas:           make(map[string]domain.Saga),
		depositAccounts: make(map[string]domain.DepositAccount),
		holds:           make(map[uuid.UUID]domain.DepositHold),
		sequences:       make(map[string]int64),
		offsets:         make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.sagas {
		c.sagas[k] = v
	}
	for k, v := range s.depositAccounts {
		c.depositAccounts[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.offsets {
		c.offsets[k] = v
	}
	c.transactions = append([]domain.DepositTransaction(nil), s.transactions...)
	c.outbox = make([]domain.OutboxEvent, len(s.outbox))
	for i, e := range s.outbox {
		e.Payload = append([]byte(nil), e.Payload...)
		c.outbox[i] = e
	}
	return c
}

type fault struct {
	err   error
	times int
}

type shared struct {
	mu     sync.Mutex
	st     *state
	faults map[string]*fault
	locked map[uuid.UUID]bool
}

// Store implements domain.Store in memory.
type Store struct {
	sh   *shared
	inTx bool
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{sh: &shared{st: newState(), faults: make(map[string]*fault), locked: make(map[uuid.UUID]bool)}}
}

// LockOutboxRow makes GetForUpdate skip the row until release is called, the way a row
// locked by another relay instance is skipped.
func (s *Store) LockOutboxRow(id uuid.UUID) (release func()) {
	defer s.lock()()
	s.sh.locked[id] = true
	return func() {
		defer s.lock()()
		delete(s.sh.locked, id)
	}
}

// Fail makes the next times calls of op (e.g. "accounts.UpdateBalance") return err.
// A negative times fails forever.
func (s *Store) Fail(op string, err error, times int) {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()
	s.sh.faults[op] = &fault{err: err, times: times}
}

func (s *Store) ClearFaults() {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()
	s.sh.faults = make(map[string]*fault)
}

// lock acquires the store lock unless the caller already holds it through a transaction.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.sh.mu.Lock()
	return s.sh.mu.Unlock
}

// check must be called with the lock held.
func (s *Store) check(op string) error {
	f, ok := s.sh.faults[op]
	if !ok || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()

	snapshot := s.sh.st.clone()
	tx := &Store{sh: s.sh, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			s.sh.st = snapshot
			panic(p)
		}
		if err != nil {
			s.sh.st = snapshot
		}
	}()

	if err = s.check("tx.Begin"); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return s.check("tx.Commit")
}

func (s *Store) Accounts() domain.AccountRepository { return accountRepo{s} }
func (s *Store) Sagas() domain.SagaRepository { return sagaRepo{s} }
func (s *Store) DepositAccounts() domain.DepositAccountRepository { return depositAccountRepo{s} }
func (s *Store) DepositTransactions() domain.DepositTransactionRepository { return depositTxRepo{s} }
func (s *Store) Holds() domain.HoldRepository { return holdRepo{s} }
func (s *Store) Outbox() domain.OutboxRepository { return outboxRepo{s} }
func (s *Store) Sequences() domain.SequenceRepository { return sequenceRepo{s} }

// OutboxEvents returns a copy of every outbox row in insertion order.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	defer s.lock()()
	return s.sh.st.clone().outbox
}

type accountRepo struct{ s *Store }

func (r accountRepo) Create(_ context.Context, account *domain.Account) error {
	defer r.s.lock()()
	if err := r.s.check("accounts.Create"); err != nil {
		return err
	}
	if _, ok := r.s.sh.st.accounts[account.AccountID]; ok {
		return errors.ErrDuplicateAccount
	}
	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now
	r.s.sh.st.accounts[account.AccountID] = *account
	return nil
}

func (r accountRepo) get(accountID string) (*domain.Account, error) {
	a, ok := r.s.sh.st.accounts[accountID]
	if !ok || a.IsDeleted {
		return nil, errors.ErrAccountNotFound
	}
	return &a, nil
}

func (r accountRepo) GetByID(_ context.Context, accountID string) (*domain.Account, error) {
	defer r.s.lock()()
	if err := r.s.check("accounts.GetByID"); err != nil {
		return nil, err
	}
	return r.get(accountID)
}

func (r accountRepo) GetForUpdate(_ context.Context, accountID string) (*domain.Account, error) {
	defer r.s.lock()()
	if err := r.s.check("accounts.GetForUpdate"); err != nil {
		return nil, err
	}
	return r.get(accountID)
}

func (r accountRepo) UpdateBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	defer r.s.lock()()
	if err := r.s.check("accounts.UpdateBalance"); err != nil {
		return err
	}
	a, err := r.get(accountID)
	if err != nil {
		return err
	}
	a.Balance = domain.RoundMoney(balance)
	a.UpdatedAt = time.Now().UTC()
	r.s.sh.st.accounts[accountID] = *a
	return nil
}

func (r accountRepo) SoftDelete(_ context.Context, accountID string) error {
	defer r.s.lock()()
	a, err := r.get(accountID)
	if err != nil {
		return err
	}
	a.Status = domain.AccountStatusClosed
	a.IsDeleted = true
	a.UpdatedAt = time.Now().UTC()
	r.s.sh.st.accounts[accountID] = *a
	return nil
}

type sagaRepo struct{ s *Store }

func (r sagaRepo) Create(_ context.Context, saga *domain.Saga) error {
	defer r.s.lock()()
	if err := r.s.check("sagas.Create"); err != nil {
		return err
	}
	if _, ok := r.s.sh.st.sagas[saga.UpdateID]; ok {
		return errors.ErrSagaConflict.WithDetails(saga.UpdateID)
	}
	r.s.sh.st.sagas[saga.UpdateID] = *saga
	return nil
}

func (r sagaRepo) get(updateID string) (*domain.Saga, error) {
	s, ok := r.s.sh.st.sagas[updateID]
	if !ok {
		return nil, errors.ErrSagaNotFound
	}
	return &s, nil
}

func (r sagaRepo) Get(_ context.Context, updateID string) (*domain.Saga, error) {
	defer r.s.lock()()
	return r.get(updateID)
}

func (r sagaRepo) GetForUpdate(_ context.Context, updateID string) (*domain.Saga, error) {
	defer r.s.lock()()
	if err := r.s.check("sagas.GetForUpdate"); err != nil {
		return nil, err
	}
	return r.get(updateID)
}

func (r sagaRepo) Update(_ context.Context, saga *domain.Saga) error {
	defer r.s.lock()()
	if err := r.s.check("sagas.Update." + string(saga.Status)); err != nil {
		return err
	}
	if _, ok := r.s.sh.st.sagas[saga.UpdateID]; !ok {
		return errors.ErrSagaNotFound
	}
	r.s.sh.st.sagas[saga.UpdateID] = *saga
	return nil
}

type depositAccountRepo struct{ s *Store }

func (r depositAccountRepo) Create(_ context.Context, account *domain.DepositAccount) error {
	defer r.s.lock()()
	if err := r.s.check("depositAccounts.Create"); err != nil {
		return err
	}
	if _, ok := r.s.sh.st.depositAccounts[account.AccountID]; ok {
		return errors.ErrDuplicateAccount
	}
	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now
	r.s.sh.st.depositAccounts[account.AccountID] = *account
	return nil
}

func (r depositAccountRepo) get(accountID string) (*domain.DepositAccount, error) {
	a, ok := r.s.sh.st.depositAccounts[accountID]
	if !ok || a.IsDeleted {
		return nil, errors.ErrAccountNotFound
	}
	return &a, nil
}

func (r depositAccountRepo) GetByAccountID(_ context.Context, accountID string) (*domain.DepositAccount, error) {
	defer r.s.lock()()
	return r.get(accountID)
}

func (r depositAccountRepo) GetForUpdate(_ context.Context, accountID string) (*domain.DepositAccount, error) {
	defer r.s.lock()()
	if err := r.s.check("depositAccounts.GetForUpdate"); err != nil {
		return nil, err
	}
	return r.get(accountID)
}

func (r depositAccountRepo) UpdateBalances(_ context.Context, account *domain.DepositAccount) error {
	defer r.s.lock()()
	if err := r.s.check("depositAccounts.UpdateBalances"); err != nil {
		return err
	}
	if _, err := r.get(account.AccountID); err != nil {
		return err
	}
	account.UpdatedAt = time.Now().UTC()
	r.s.sh.st.depositAccounts[account.AccountID] = *account
	return nil
}

func (r depositAccountRepo) SoftDelete(_ context.Context, accountID string) error {
	defer r.s.lock()()
	a, err := r.get(accountID)
	if err != nil {
		return err
	}
	a.Status = domain.DepositStatusClosed
	a.IsDeleted = true
	r.s.sh.st.depositAccounts[accountID] = *a
	return nil
}

func (r depositAccountRepo) IsClosed(_ context.Context, accountID string) (bool, error) {
	defer r.s.lock()()
	a, ok := r.s.sh.st.depositAccounts[accountID]
	return ok && a.IsDeleted, nil
}

type depositTxRepo struct{ s *Store }

func (r depositTxRepo) Create(_ context.Context, tx *domain.DepositTransaction) error {
	defer r.s.lock()()
	if err := r.s.check("depositTransactions.Create"); err != nil {
		return err
	}
	r.s.sh.st.transactions = append(r.s.sh.st.transactions, *tx)
	return nil
}

func (r depositTxRepo) ListByAccount(_ context.Context, accountID string, limit int) ([]*domain.DepositTransaction, error) {
	defer r.s.lock()()
	var out []*domain.DepositTransaction
	all := r.s.sh.st.transactions
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].AccountID == accountID {
			tx := all[i]
			out = append(out, &tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r depositTxRepo) FindPostedByReference(_ context.Context, accountID, referenceID string, txType domain.TransactionType) (*domain.DepositTransaction, error) {
	defer r.s.lock()()
	for _, tx := range r.s.sh.st.transactions {
		if tx.AccountID == accountID && tx.ReferenceID == referenceID &&
			tx.Type == txType && tx.Status == domain.TransactionStatusPosted {
			return &tx, nil
		}
	}
	return nil, nil
}

type holdRepo struct{ s *Store }

func (r holdRepo) Create(_ context.Context, hold *domain.DepositHold) error {
	defer r.s.lock()()
	if err := r.s.check("holds.Create"); err != nil {
		return err
	}
	r.s.sh.st.holds[hold.ID] = *hold
	return nil
}

func (r holdRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*domain.DepositHold, error) {
	defer r.s.lock()()
	h, ok := r.s.sh.st.holds[id]
	if !ok {
		return nil, errors.ErrHoldNotFound
	}
	return &h, nil
}

func (r holdRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.HoldStatus) error {
	defer r.s.lock()()
	h, ok := r.s.sh.st.holds[id]
	if !ok {
		return errors.ErrHoldNotFound
	}
	h.Status = status
	r.s.sh.st.holds[id] = h
	return nil
}

func (r holdRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.DepositHold, error) {
	defer r.s.lock()()
	var out []*domain.DepositHold
	for _, h := range r.s.sh.st.holds {
		if h.Expired(now) {
			hold := h
			out = append(out, &hold)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r holdRepo) SumActive(_ context.Context, accountID string) (decimal.Decimal, error) {
	defer r.s.lock()()
	total := decimal.Zero
	for _, h := range r.s.sh.st.holds {
		if h.AccountID == accountID && h.IsActive() {
			total = total.Add(h.Amount)
		}
	}
	return total, nil
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) Create(_ context.Context, event *domain.OutboxEvent) error {
	defer r.s.lock()()
	if err := r.s.check("outbox.Create"); err != nil {
		return err
	}
	e := *event
	e.Payload = append([]byte(nil), event.Payload...)
	r.s.sh.st.outbox = append(r.s.sh.st.outbox, e)
	return nil
}

func (r outboxRepo) ListPending(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	defer r.s.lock()()
	var out []*domain.OutboxEvent
	for _, e := range r.s.sh.st.outbox {
		if e.Status != domain.OutboxStatusPending {
			continue
		}
		event := e
		out = append(out, &event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r outboxRepo) find(id uuid.UUID) int {
	for i := range r.s.sh.st.outbox {
		if r.s.sh.st.outbox[i].ID == id {
			return i
		}
	}
	return -1
}

func (r outboxRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	defer r.s.lock()()
	i := r.find(id)
	if i < 0 || r.s.sh.locked[id] || r.s.sh.st.outbox[i].Status != domain.OutboxStatusPending {
		return nil, nil
	}
	e := r.s.sh.st.outbox[i]
	return &e, nil
}

func (r outboxRepo) HasPendingBefore(_ context.Context, channel, accountID string, sequence int64) (bool, error) {
	defer r.s.lock()()
	for _, e := range r.s.sh.st.outbox {
		if e.Channel == channel && e.AccountID == accountID && e.Sequence < sequence && e.Status == domain.OutboxStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r outboxRepo) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	defer r.s.lock()()
	if err := r.s.check("outbox.MarkPublished"); err != nil {
		return err
	}
	if i := r.find(id); i >= 0 {
		r.s.sh.st.outbox[i].Status = domain.OutboxStatusPublished
		r.s.sh.st.outbox[i].PublishedAt = &at
	}
	return nil
}

func (r outboxRepo) RecordFailure(_ context.Context, id uuid.UUID, attempts int, lastErr string, status domain.OutboxStatus) error {
	defer r.s.lock()()
	if i := r.find(id); i >= 0 {
		r.s.sh.st.outbox[i].Attempts = attempts
		r.s.sh.st.outbox[i].LastError = lastErr
		r.s.sh.st.outbox[i].Status = status
	}
	return nil
}

type sequenceRepo struct{ s *Store }

func (r sequenceRepo) Next(_ context.Context, channel, accountID string) (int64, error) {
	defer r.s.lock()()
	if err := r.s.check("sequences.Next"); err != nil {
		return 0, err
	}
	key := channel + "|" + accountID
	r.s.sh.st.sequences[key]++
	return r.s.sh.st.sequences[key], nil
}

func (r sequenceRepo) Current(_ context.Context, channel, accountID string) (int64, error) {
	defer r.s.lock()()
	return r.s.sh.st.sequences[channel+"|"+accountID], nil
}

func (r sequenceRepo) Offset(_ context.Context, consumer, channel, accountID string) (int64, error) {
	defer r.s.lock()()
	return r.s.sh.st.offsets[consumer+"|"+channel+"|"+accountID], nil
}

func (r sequenceRepo) Advance(_ context.Context, consumer, channel, accountID string, sequence int64) error {
	defer r.s.lock()()
	key := consumer + "|" + channel + "|" + accountID
	if sequence > r.s.sh.st.offsets[key] {
		r.s.sh.st.offsets[key] = sequence
	}
	return nil
}
