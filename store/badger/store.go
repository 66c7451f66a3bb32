// Package badger is an embedded key-value store backend on BadgerDB.
//
// Records are stored as JSON under typed key prefixes, with small index keys
// for owner and idempotency lookups. Every commit runs in one Badger
// transaction, whose optimistic conflict detection backs up the explicit
// version checks.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/vm"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Key prefixes.
const (
	pfxAccount = "acct/"
	pfxOwner   = "owner/"
	pfxVM      = "vm/"
	pfxEntry   = "entry/" // entry/<account>/<entry>
	pfxIdem    = "idem/"  // idem/<account>/<key>
	pfxAudit   = "audit/"
)

// Store implements store.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// New wraps an open database. Close closes db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens or creates a database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vmledger/badger: open: %w", err)
	}
	return New(db), nil
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("vmledger/badger: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *badger.DB { return s.db }

// Migrate is a no-op; the key layout needs no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return vmledger.ErrStoreClosed
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	var a account.Account
	err := s.view(func(txn *badger.Txn) error {
		return get(txn, pfxAccount+accountID.String(), &a)
	})
	if err != nil {
		return nil, notFound(err, vmledger.ErrAccountNotFound)
	}
	return &a, nil
}

func (s *Store) GetAccountByOwner(_ context.Context, ownerID string) (*account.Account, error) {
	var a account.Account
	err := s.view(func(txn *badger.Txn) error {
		var acctID string
		if err := get(txn, pfxOwner+ownerID, &acctID); err != nil {
			return err
		}
		return get(txn, pfxAccount+acctID, &a)
	})
	if err != nil {
		return nil, notFound(err, vmledger.ErrAccountNotFound)
	}
	return &a, nil
}

func (s *Store) ListAccounts(_ context.Context, opts account.ListOpts) ([]*account.Account, error) {
	result := make([]*account.Account, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, pfxAccount, func(a *account.Account) {
			result = append(result, a)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vmledger/badger: list accounts: %w", err)
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
	var v vm.VM
	err := s.view(func(txn *badger.Txn) error {
		return get(txn, pfxVM+vmID.String(), &v)
	})
	if err != nil {
		return nil, notFound(err, vmledger.ErrVMNotFound)
	}
	return &v, nil
}

func (s *Store) ListVMs(_ context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	return s.listVMs(func(v *vm.VM) bool {
		return v.AccountID.String() == accountID.String() && opts.Matches(v)
	}, newestFirst, opts.Offset, opts.Limit)
}

func (s *Store) ListVMsByStatus(_ context.Context, status vm.Status, limit int) ([]*vm.VM, error) {
	return s.listVMs(func(v *vm.VM) bool { return v.Status == status }, byBilled, 0, limit)
}

func newestFirst(a, b *vm.VM) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return compareIDs(b.ID, a.ID)
}

func byBilled(a, b *vm.VM) int {
	if c := a.BilledThrough().Compare(b.BilledThrough()); c != 0 {
		return c
	}
	return compareIDs(a.ID, b.ID)
}

func (s *Store) listVMs(keep func(*vm.VM) bool, order func(a, b *vm.VM) int, offset, limit int) ([]*vm.VM, error) {
	result := make([]*vm.VM, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, pfxVM, func(v *vm.VM) {
			if keep(v) {
				result = append(result, v)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vmledger/badger: list vms: %w", err)
	}
	slices.SortFunc(result, order)

	start, end := store.Paginate(len(result), offset, limit)
	return result[start:end], nil
}

// ==================== Ledger Entry Store ====================

func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error) {
	result := make([]*entry.Entry, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, pfxEntry+accountID.String()+"/", func(e *entry.Entry) {
			if q.Matches(e) {
				result = append(result, e)
			}
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("vmledger/badger: list entries: %w", err)
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
	var e entry.Entry
	err := s.view(func(txn *badger.Txn) error {
		var entryID string
		if err := get(txn, idemKey(accountID, key), &entryID); err != nil {
			return err
		}
		return get(txn, pfxEntry+accountID.String()+"/"+entryID, &e)
	})
	if err != nil {
		return nil, notFound(err, vmledger.ErrEntryNotFound)
	}
	return &e, nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(_ context.Context, r *audit.Record) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return put(txn, pfxAudit+r.ID.String(), r)
	})
	if err != nil {
		return translate(err, "append audit")
	}
	return nil
}

func (s *Store) ListAudit(_ context.Context, q audit.Query) ([]*audit.Record, error) {
	result := make([]*audit.Record, 0)
	err := s.view(func(txn *badger.Txn) error {
		return scan(txn, pfxAudit, func(r *audit.Record) {
			if q.Matches(r) {
				result = append(result, r)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vmledger/badger: list audit: %w", err)
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

// Commit applies cs in one Badger transaction.
func (s *Store) Commit(ctx context.Context, cs *store.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if a := cs.Account; a != nil {
			if err := putAccount(txn, a, cs.NewAccount); err != nil {
				return err
			}
		}
		if v := cs.VM; v != nil {
			if err := putVM(txn, v, cs.NewVM); err != nil {
				return err
			}
		}
		for _, e := range cs.Entries {
			if e.IdempotencyKey != "" {
				key := idemKey(e.AccountID, e.IdempotencyKey)
				if exists(txn, key) {
					return fmt.Errorf("%w: idempotency key %q", vmledger.ErrAlreadyExists, e.IdempotencyKey)
				}
				if err := put(txn, key, e.ID.String()); err != nil {
					return err
				}
			}
			if err := put(txn, pfxEntry+e.AccountID.String()+"/"+e.ID.String(), e); err != nil {
				return err
			}
		}
		for _, r := range cs.Records {
			if err := put(txn, pfxAudit+r.ID.String(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err, "commit")
	}
	return nil
}

func putAccount(txn *badger.Txn, a *account.Account, isNew bool) error {
	key := pfxAccount + a.ID.String()
	if isNew {
		if exists(txn, key) || exists(txn, pfxOwner+a.OwnerID) {
			return vmledger.ErrAlreadyExists
		}
		if err := put(txn, pfxOwner+a.OwnerID, a.ID.String()); err != nil {
			return err
		}
		return put(txn, key, a)
	}

	var current account.Account
	if err := get(txn, key, &current); err != nil {
		return notFound(err, vmledger.ErrAccountNotFound)
	}
	if current.Version != a.Version-1 {
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			vmledger.ErrConcurrencyConflict, a.ID, current.Version, a.Version-1)
	}
	return put(txn, key, a)
}

func putVM(txn *badger.Txn, v *vm.VM, isNew bool) error {
	key := pfxVM + v.ID.String()
	if isNew {
		if exists(txn, key) {
			return vmledger.ErrAlreadyExists
		}
		return put(txn, key, v)
	}

	var current vm.VM
	if err := get(txn, key, &current); err != nil {
		return notFound(err, vmledger.ErrVMNotFound)
	}
	if current.Version != v.Version-1 {
		return fmt.Errorf("%w: vm %s at version %d, expected %d",
			vmledger.ErrConcurrencyConflict, v.ID, current.Version, v.Version-1)
	}
	return put(txn, key, v)
}

// ==================== Helpers ====================

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if s.db.IsClosed() {
		return vmledger.ErrStoreClosed
	}
	return s.db.View(fn)
}

func get(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func put(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vmledger/badger: encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) bool {
	_, err := txn.Get([]byte(key))
	return err == nil
}

// scan decodes every value under prefix into a fresh T.
func scan[T any](txn *badger.Txn, prefix string, fn func(*T)) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefix)})
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v := new(T)
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		}); err != nil {
			return err
		}
		fn(v)
	}
	return nil
}

func idemKey(accountID id.AccountID, key string) string {
	return pfxIdem + accountID.String() + "/" + key
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

func notFound(err, sentinel error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sentinel
	}
	return err
}

// translate maps Badger errors onto vmledger sentinels.
func translate(err error, op string) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %s: %w", vmledger.ErrConcurrencyConflict, op, err)
	case errors.Is(err, badger.ErrDBClosed):
		return vmledger.ErrStoreClosed
	case errors.Is(err, vmledger.ErrAlreadyExists),
		errors.Is(err, vmledger.ErrConcurrencyConflict),
		vmledger.IsNotFound(err):
		return err
	}
	return fmt.Errorf("vmledger/badger: %s: %w", op, err)
}
