// Package mongo is the MongoDB store backend. Commits run in multi-document
// transactions, so the server must be a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/vm"
)

// Collection name constants.
const (
	colAccounts = "vmledger_accounts"
	colVMs      = "vmledger_vms"
	colEntries  = "vmledger_entries"
	colAudit    = "vmledger_audit"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a store on database in client. Close disconnects client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

// Open connects to uri and verifies the connection.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("vmledger/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("vmledger/mongo: ping: %w", err)
	}
	return New(client, database), nil
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all vmledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("vmledger/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).FindOne(ctx, bson.M{"_id": accountID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/mongo: get account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).FindOne(ctx, bson.M{"owner_id": ownerID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/mongo: get account by owner: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error) {
	find := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	paginate(find, opts.Limit, opts.Offset)

	var models []accountModel
	if err := s.findAll(ctx, colAccounts, bson.M{}, find, &models); err != nil {
		return nil, fmt.Errorf("vmledger/mongo: list accounts: %w", err)
	}
	return convert(models, fromAccountModel)
}

// ==================== VM Store ====================

func (s *Store) GetVM(ctx context.Context, vmID id.VMID) (*vm.VM, error) {
	var m vmModel
	err := s.db.Collection(colVMs).FindOne(ctx, bson.M{"_id": vmID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, vmledger.ErrVMNotFound
		}
		return nil, fmt.Errorf("vmledger/mongo: get vm: %w", err)
	}
	return fromVMModel(&m)
}

func (s *Store) ListVMs(ctx context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	filter := bson.M{"account_id": accountID.String()}
	if opts.ProjectID != "" {
		filter["project_id"] = opts.ProjectID
	}
	if opts.Name != "" {
		filter["name"] = opts.Name
	}
	status := bson.M{}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		status["$in"] = statuses
	}
	if !opts.IncludeTerminated && !slices.Contains(opts.Statuses, vm.StatusTerminated) {
		status["$ne"] = string(vm.StatusTerminated)
	}
	if len(status) > 0 {
		filter["status"] = status
	}

	find := options.Find().SetSort(newestFirst)
	paginate(find, opts.Limit, opts.Offset)

	var models []vmModel
	if err := s.findAll(ctx, colVMs, filter, find, &models); err != nil {
		return nil, fmt.Errorf("vmledger/mongo: list vms: %w", err)
	}
	return convert(models, fromVMModel)
}

func (s *Store) ListVMsByStatus(ctx context.Context, status vm.Status, limit int) ([]*vm.VM, error) {
	find := options.Find().SetSort(leastRecentlyBilled)
	paginate(find, limit, 0)

	var models []vmModel
	if err := s.findAll(ctx, colVMs, bson.M{"status": string(status)}, find, &models); err != nil {
		return nil, fmt.Errorf("vmledger/mongo: list vms by status: %w", err)
	}
	return convert(models, fromVMModel)
}

// ==================== Ledger Entry Store ====================

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error) {
	filter := bson.M{"account_id": accountID.String()}
	if q.Reason != "" {
		filter["reason"] = string(q.Reason)
	}
	if !q.VMID.IsNil() {
		filter["vm_id"] = q.VMID.String()
	}
	window := bson.M{}
	if !q.Start.IsZero() {
		window["$gte"] = q.Start
	}
	if !q.End.IsZero() {
		window["$lt"] = q.End
	}
	if len(window) > 0 {
		filter["created_at"] = window
	}

	total, err := s.db.Collection(colEntries).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("vmledger/mongo: count entries: %w", err)
	}

	find := options.Find().SetSort(newestFirst)
	paginate(find, q.Limit, q.Offset)

	var models []entryModel
	if err := s.findAll(ctx, colEntries, filter, find, &models); err != nil {
		return nil, 0, fmt.Errorf("vmledger/mongo: list entries: %w", err)
	}
	entries, err := convert(models, fromEntryModel)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, accountID id.AccountID, key string) (*entry.Entry, error) {
	var m entryModel
	err := s.db.Collection(colEntries).FindOne(ctx, bson.M{
		"account_id":      accountID.String(),
		"idempotency_key": key,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, vmledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("vmledger/mongo: get entry by idempotency key: %w", err)
	}
	return fromEntryModel(&m)
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, r *audit.Record) error {
	if _, err := s.db.Collection(colAudit).InsertOne(ctx, toAuditModel(r)); err != nil {
		return translate(err, "append audit")
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, q audit.Query) ([]*audit.Record, error) {
	filter := bson.M{}
	if !q.AccountID.IsNil() {
		filter["account_id"] = q.AccountID.String()
	}
	if q.EntityID != "" {
		filter["entity_id"] = q.EntityID
	}
	if q.Outcome != "" {
		filter["outcome"] = string(q.Outcome)
	}

	find := options.Find().SetSort(newestFirst)
	paginate(find, q.Limit, q.Offset)

	var models []auditModel
	if err := s.findAll(ctx, colAudit, filter, find, &models); err != nil {
		return nil, fmt.Errorf("vmledger/mongo: list audit: %w", err)
	}
	return convert(models, fromAuditModel)
}

// ==================== Unit of Work ====================

// Commit applies cs in one multi-document transaction.
func (s *Store) Commit(ctx context.Context, cs *store.Changeset) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("vmledger/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.apply(ctx, cs)
	})
	if err != nil {
		return translate(err, "commit")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, cs *store.Changeset) error {
	if a := cs.Account; a != nil {
		col := s.db.Collection(colAccounts)
		if cs.NewAccount {
			if _, err := col.InsertOne(ctx, toAccountModel(a)); err != nil {
				return err
			}
		} else if err := guarded(ctx, col, a.ID, a.Version, toAccountModel(a), vmledger.ErrAccountNotFound); err != nil {
			return err
		}
	}
	if v := cs.VM; v != nil {
		col := s.db.Collection(colVMs)
		if cs.NewVM {
			if _, err := col.InsertOne(ctx, toVMModel(v)); err != nil {
				return err
			}
		} else if err := guarded(ctx, col, v.ID, v.Version, toVMModel(v), vmledger.ErrVMNotFound); err != nil {
			return err
		}
	}
	if len(cs.Entries) > 0 {
		docs := make([]any, len(cs.Entries))
		for i, e := range cs.Entries {
			docs[i] = toEntryModel(e)
		}
		if _, err := s.db.Collection(colEntries).InsertMany(ctx, docs); err != nil {
			return err
		}
	}
	if len(cs.Records) > 0 {
		docs := make([]any, len(cs.Records))
		for i, r := range cs.Records {
			docs[i] = toAuditModel(r)
		}
		if _, err := s.db.Collection(colAudit).InsertMany(ctx, docs); err != nil {
			return err
		}
	}
	return nil
}

// guarded replaces the document only if it is still at version-1.
func guarded(ctx context.Context, col *mongo.Collection, docID id.ID, version int64, doc any, missing error) error {
	res, err := col.ReplaceOne(ctx, bson.M{"_id": docID.String(), "version": version - 1}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	var current struct {
		Version int64 `bson:"version"`
	}
	err = col.FindOne(ctx, bson.M{"_id": docID.String()}).Decode(&current)
	switch {
	case isNoDocuments(err):
		return missing
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: %s %s at version %d, expected %d",
		vmledger.ErrConcurrencyConflict, col.Name(), docID, current.Version, version-1)
}

// ==================== Helpers ====================

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

var leastRecentlyBilled = bson.D{{Key: "billed_through", Value: 1}, {Key: "_id", Value: 1}}

func paginate(find *options.FindOptionsBuilder, limit, offset int) {
	if limit > 0 {
		find.SetLimit(int64(limit))
	}
	if offset > 0 {
		find.SetSkip(int64(offset))
	}
}

func (s *Store) findAll(ctx context.Context, col string, filter any, find *options.FindOptionsBuilder, out any) error {
	cur, err := s.db.Collection(col).Find(ctx, filter, find)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func convert[M any, T any](models []M, from func(*M) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(models))
	for i := range models {
		v, err := from(&models[i])
		if err != nil {
			return nil, fmt.Errorf("vmledger/mongo: decode: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// transientTransactionLabel marks errors after which the whole transaction
// may be retried.
const transientTransactionLabel = "TransientTransactionError"

// translate maps driver errors onto vmledger sentinels.
func translate(err error, op string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, vmledger.ErrConcurrencyConflict), vmledger.IsNotFound(err):
		return err
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s: %w", vmledger.ErrAlreadyExists, op, err)
	}
	var le mongo.LabeledError
	if errors.As(err, &le) && le.HasErrorLabel(transientTransactionLabel) {
		return fmt.Errorf("%w: %s: %w", vmledger.ErrConcurrencyConflict, op, err)
	}
	return fmt.Errorf("vmledger/mongo: %s: %w", op, err)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all vmledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "owner_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colVMs: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "project_id", Value: 1}, {Key: "name", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "billed_through", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
			},
		},
		colAudit: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}
