// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/repaircoin/rcn-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	memoryState
}

type memoryState struct {
	customers    map[ledger.Address]ledger.Customer
	transactions []ledger.Transaction
	txIndex      map[ledger.TransactionID]int
	idempotency  map[string]bool
	sessions     map[ledger.SessionID]ledger.RedemptionSession
	sessionOrder []ledger.SessionID
}

func NewMemory() *Memory {
	return &Memory{memoryState: memoryState{
		customers:   make(map[ledger.Address]ledger.Customer),
		txIndex:     make(map[ledger.TransactionID]int),
		idempotency: make(map[string]bool),
		sessions:    make(map[ledger.SessionID]ledger.RedemptionSession),
	}}
}

var _ ledger.TxStore = (*Memory)(nil)

// WithTx executes fn while holding the write lock. On error the state is
// restored from a snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memoryView{state: &m.memoryState}); err != nil {
		m.memoryState = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() memoryState {
	s := memoryState{
		customers:    make(map[ledger.Address]ledger.Customer, len(m.customers)),
		transactions: append([]ledger.Transaction(nil), m.transactions...),
		txIndex:      make(map[ledger.TransactionID]int, len(m.txIndex)),
		idempotency:  make(map[string]bool, len(m.idempotency)),
		sessions:     make(map[ledger.SessionID]ledger.RedemptionSession, len(m.sessions)),
		sessionOrder: append([]ledger.SessionID(nil), m.sessionOrder...),
	}
	for k, v := range m.customers {
		s.customers[k] = v
	}
	for k, v := range m.txIndex {
		s.txIndex[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.sessions {
		s.sessions[k] = v
	}
	return s
}

// Reset removes all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryState = NewMemory().memoryState
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Locked wrappers around memoryState.

func (m *Memory) CreateCustomer(ctx context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.createCustomer(c)
}

func (m *Memory) GetCustomer(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.getCustomer(addr)
}

// GetCustomerForUpdate outside WithTx is a plain read.
func (m *Memory) GetCustomerForUpdate(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return m.GetCustomer(ctx, addr)
}

func (m *Memory) UpdateCustomerTotals(ctx context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.updateCustomerTotals(c)
}

func (m *Memory) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.listCustomers(), nil
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.appendTransaction(tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.getTransaction(id)
}

func (m *Memory) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.setTransactionStatus(id, from, to)
}

func (m *Memory) Transactions(ctx context.Context, addr ledger.Address) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.transactionsFor(addr), nil
}

func (m *Memory) SumTransactions(ctx context.Context, addr ledger.Address, typ ledger.TransactionType, status ledger.TransactionStatus, origin ledger.TransactionOrigin) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.sum(addr, typ, status, origin), nil
}

func (m *Memory) CreateSession(ctx context.Context, s ledger.RedemptionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.createSession(s)
}

func (m *Memory) GetSession(ctx context.Context, id ledger.SessionID) (*ledger.RedemptionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.getSession(id)
}

func (m *Memory) TransitionSession(ctx context.Context, t ledger.SessionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryState.transitionSession(t)
}

func (m *Memory) ListSessions(ctx context.Context, f ledger.SessionFilter) ([]ledger.RedemptionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memoryState.listSessions(f), nil
}

// =============================================================================
// STATE OPERATIONS - Callers hold the lock
// =============================================================================

func (s *memoryState) createCustomer(c ledger.Customer) error {
	if _, ok := s.customers[c.Address]; ok {
		return ledger.ErrCustomerExists
	}
	s.customers[c.Address] = c
	return nil
}

func (s *memoryState) getCustomer(addr ledger.Address) (*ledger.Customer, error) {
	c, ok := s.customers[addr]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *memoryState) updateCustomerTotals(c ledger.Customer) error {
	cur, ok := s.customers[c.Address]
	if !ok {
		return ledger.ErrCustomerNotFound
	}
	cur.LifetimeEarnings = c.LifetimeEarnings
	cur.TotalRedemptions = c.TotalRedemptions
	cur.PendingMintBalance = c.PendingMintBalance
	cur.DailyEarnings = c.DailyEarnings
	cur.MonthlyEarnings = c.MonthlyEarnings
	cur.LastEarnedDate = c.LastEarnedDate
	cur.UpdatedAt = c.UpdatedAt
	s.customers[c.Address] = cur
	return nil
}

func (s *memoryState) listCustomers() []ledger.Customer {
	out := make([]ledger.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *memoryState) appendTransaction(tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if _, ok := s.txIndex[tx.ID]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	s.transactions = append(s.transactions, tx)
	s.txIndex[tx.ID] = len(s.transactions) - 1
	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (s *memoryState) getTransaction(id ledger.TransactionID) (*ledger.Transaction, error) {
	i, ok := s.txIndex[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	tx := s.transactions[i]
	return &tx, nil
}

func (s *memoryState) setTransactionStatus(id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	i, ok := s.txIndex[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if s.transactions[i].Status != from {
		return ledger.ErrConcurrentModification
	}
	s.transactions[i].Status = to
	return nil
}

func (s *memoryState) transactionsFor(addr ledger.Address) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.CustomerAddress == addr {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryState) sum(addr ledger.Address, typ ledger.TransactionType, status ledger.TransactionStatus, origin ledger.TransactionOrigin) ledger.Amount {
	total := ledger.Zero()
	for _, tx := range s.transactions {
		if tx.CustomerAddress == addr && tx.Type == typ && tx.Status == status && tx.Origin == origin {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

func (s *memoryState) createSession(sess ledger.RedemptionSession) error {
	if _, ok := s.sessions[sess.ID]; ok {
		return ledger.ErrConcurrentModification
	}
	s.sessions[sess.ID] = sess
	s.sessionOrder = append(s.sessionOrder, sess.ID)
	return nil
}

func (s *memoryState) getSession(id ledger.SessionID) (*ledger.RedemptionSession, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ledger.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *memoryState) transitionSession(t ledger.SessionTransition) error {
	sess, ok := s.sessions[t.ID]
	if !ok {
		return ledger.ErrSessionNotFound
	}
	if sess.Status != t.From {
		return ledger.ErrConcurrentModification
	}

	at := t.At
	sess.Status = t.To
	switch t.To {
	case ledger.SessionApproved:
		sess.ApprovedAt = &at
		sess.ExpiresAt = t.ExpiresAt
	case ledger.SessionUsed:
		sess.UsedAt = &at
		sess.UsedAmount = t.UsedAmount
	}
	if len(t.Metadata) > 0 {
		merged := make(map[string]string, len(sess.Metadata)+len(t.Metadata))
		for k, v := range sess.Metadata {
			merged[k] = v
		}
		for k, v := range t.Metadata {
			merged[k] = v
		}
		sess.Metadata = merged
	}
	s.sessions[t.ID] = sess
	return nil
}

func (s *memoryState) listSessions(f ledger.SessionFilter) []ledger.RedemptionSession {
	var out []ledger.RedemptionSession
	for _, id := range s.sessionOrder {
		sess := s.sessions[id]
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		if f.CustomerAddress != "" && sess.CustomerAddress != f.CustomerAddress {
			continue
		}
		if f.ShopID != "" && sess.ShopID != f.ShopID {
			continue
		}
		if f.UnusedOnly && sess.UsedAt != nil {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryView is handed to WithTx callbacks. The parent lock is already held.
type memoryView struct {
	state *memoryState
}

func (v *memoryView) CreateCustomer(_ context.Context, c ledger.Customer) error {
	return v.state.createCustomer(c)
}

func (v *memoryView) GetCustomer(_ context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return v.state.getCustomer(addr)
}

func (v *memoryView) GetCustomerForUpdate(_ context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return v.state.getCustomer(addr)
}

func (v *memoryView) UpdateCustomerTotals(_ context.Context, c ledger.Customer) error {
	return v.state.updateCustomerTotals(c)
}

func (v *memoryView) ListCustomers(_ context.Context) ([]ledger.Customer, error) {
	return v.state.listCustomers(), nil
}

func (v *memoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.state.appendTransaction(tx)
}

func (v *memoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.state.getTransaction(id)
}

func (v *memoryView) SetTransactionStatus(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return v.state.setTransactionStatus(id, from, to)
}

func (v *memoryView) Transactions(_ context.Context, addr ledger.Address) ([]ledger.Transaction, error) {
	return v.state.transactionsFor(addr), nil
}

func (v *memoryView) SumTransactions(_ context.Context, addr ledger.Address, typ ledger.TransactionType, status ledger.TransactionStatus, origin ledger.TransactionOrigin) (ledger.Amount, error) {
	return v.state.sum(addr, typ, status, origin), nil
}

func (v *memoryView) CreateSession(_ context.Context, s ledger.RedemptionSession) error {
	return v.state.createSession(s)
}

func (v *memoryView) GetSession(_ context.Context, id ledger.SessionID) (*ledger.RedemptionSession, error) {
	return v.state.getSession(id)
}

func (v *memoryView) TransitionSession(_ context.Context, t ledger.SessionTransition) error {
	return v.state.transitionSession(t)
}

func (v *memoryView) ListSessions(_ context.Context, f ledger.SessionFilter) ([]ledger.RedemptionSession, error) {
	return v.state.listSessions(f), nil
}
