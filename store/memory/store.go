// Package memory is an in-process store backend for tests and single-node
// development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/vm"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Account storage
	accounts map[string]*account.Account
	owners   map[string]string // owner id -> account id

	// VM storage
	vms map[string]*vm.VM

	// Ledger storage, append order per account
	entries     map[string][]*entry.Entry
	idempotency map[string]*entry.Entry // account id + key -> entry

	// Audit storage
	records []*audit.Record

	closed bool
}

func New() *Store {
	return &Store{
		accounts:    make(map[string]*account.Account),
		owners:      make(map[string]string),
		vms:         make(map[string]*vm.VM),
		entries:     make(map[string][]*entry.Entry),
		idempotency: make(map[string]*entry.Entry),
	}
}

// ==================== Account Store ====================

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID.String()]; ok {
		return a.Clone(), nil
	}
	return nil, vmledger.ErrAccountNotFound
}

func (s *Store) GetAccountByOwner(_ context.Context, ownerID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if acctID, ok := s.owners[ownerID]; ok {
		return s.accounts[acctID].Clone(), nil
	}
	return nil, vmledger.ErrAccountNotFound
}

func (s *Store) ListAccounts(_ context.Context, opts account.ListOpts) ([]*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, a.Clone())
	}
	slices.SortFunc(result, func(a, b *account.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})

	start, end := store.Paginate(len(result), opts.Offset, opts.Limit)
	return result[start:end], nil
}

// ==================== VM Store ====================

func (s *Store) GetVM(_ context.Context, vmID id.VMID) (*vm.VM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.vms[vmID.String()]; ok {
		return v.Clone(), nil
	}
	return nil, vmledger.ErrVMNotFound
}

func (s *Store) ListVMs(_ context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*vm.VM, 0)
	for _, v := range s.vms {
		if v.AccountID.String() == accountID.String() && opts.Matches(v) {
			result = append(result, v.Clone())
		}
	}
	sortVMs(result)

	start, end := store.Paginate(len(result), opts.Offset, opts.Limit)
	return result[start:end], nil
}

func (s *Store) ListVMsByStatus(_ context.Context, status vm.Status, limit int) ([]*vm.VM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*vm.VM, 0)
	for _, v := range s.vms {
		if v.Status == status {
			result = append(result, v.Clone())
		}
	}
	sortByBilled(result)

	_, end := store.Paginate(len(result), 0, limit)
	return result[:end], nil
}

// ==================== Ledger Entry Store ====================

func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0)
	for _, e := range s.entries[accountID.String()] {
		if q.Matches(e) {
			c := *e
			result = append(result, &c)
		}
	}
	slices.SortFunc(result, func(a, b *entry.Entry) int {
		if entry.Newer(a, b) {
			return -1
		}
		return 1
	})

	total := int64(len(result))
	start, end := store.Paginate(len(result), q.Offset, q.Limit)
	return result[start:end], total, nil
}

func (s *Store) GetEntryByIdempotencyKey(_ context.Context, accountID id.AccountID, key string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.idempotency[idempotencyKey(accountID, key)]; ok {
		c := *e
		return &c, nil
	}
	return nil, vmledger.ErrEntryNotFound
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(_ context.Context, r *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vmledger.ErrStoreClosed
	}
	s.records = append(s.records, cloneRecord(r))
	return nil
}

func (s *Store) ListAudit(_ context.Context, q audit.Query) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*audit.Record, 0)
	for _, r := range s.records {
		if q.Matches(r) {
			result = append(result, cloneRecord(r))
		}
	}
	slices.SortFunc(result, func(a, b *audit.Record) int {
		if audit.Newer(a, b) {
			return -1
		}
		return 1
	})

	start, end := store.Paginate(len(result), q.Offset, q.Limit)
	return result[start:end], nil
}

// ==================== Unit of Work ====================

func (s *Store) Commit(ctx context.Context, cs *store.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vmledger.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Validate everything before the first write.
	if a := cs.Account; a != nil {
		current, exists := s.accounts[a.ID.String()]
		switch {
		case cs.NewAccount && exists:
			return vmledger.ErrAlreadyExists
		case cs.NewAccount:
			if _, taken := s.owners[a.OwnerID]; taken {
				return vmledger.ErrAlreadyExists
			}
		case !exists:
			return vmledger.ErrAccountNotFound
		case current.Version != a.Version-1:
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				vmledger.ErrConcurrencyConflict, a.ID, current.Version, a.Version-1)
		}
	}
	if v := cs.VM; v != nil {
		current, exists := s.vms[v.ID.String()]
		switch {
		case cs.NewVM && exists:
			return vmledger.ErrAlreadyExists
		case cs.NewVM:
		case !exists:
			return vmledger.ErrVMNotFound
		case current.Version != v.Version-1:
			return fmt.Errorf("%w: vm %s at version %d, expected %d",
				vmledger.ErrConcurrencyConflict, v.ID, current.Version, v.Version-1)
		}
	}
	for _, e := range cs.Entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, dup := s.idempotency[idempotencyKey(e.AccountID, e.IdempotencyKey)]; dup {
			return vmledger.ErrAlreadyExists
		}
	}

	if a := cs.Account; a != nil {
		s.accounts[a.ID.String()] = a.Clone()
		s.owners[a.OwnerID] = a.ID.String()
	}
	if v := cs.VM; v != nil {
		s.vms[v.ID.String()] = v.Clone()
	}
	for _, e := range cs.Entries {
		c := *e
		key := e.AccountID.String()
		s.entries[key] = append(s.entries[key], &c)
		if e.IdempotencyKey != "" {
			s.idempotency[idempotencyKey(e.AccountID, e.IdempotencyKey)] = &c
		}
	}
	for _, r := range cs.Records {
		s.records = append(s.records, cloneRecord(r))
	}
	return nil
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return vmledger.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Helper functions

func sortVMs(vms []*vm.VM) {
	slices.SortFunc(vms, func(a, b *vm.VM) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(b.ID, a.ID)
	})
}

func sortByBilled(vms []*vm.VM) {
	slices.SortFunc(vms, func(a, b *vm.VM) int {
		if c := a.BilledThrough().Compare(b.BilledThrough()); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
}

func compareIDs(a, b id.ID) int {
	switch as, bs := a.String(), b.String(); {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func idempotencyKey(accountID id.AccountID, key string) string {
	return accountID.String() + "/" + key
}

func cloneRecord(r *audit.Record) *audit.Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
