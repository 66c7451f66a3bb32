package mongo_test

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/mongo"
	"github.com/xraph/vmledger/store/storetest"
)

// The suite needs a replica set, for example
// VMLEDGER_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestConformance(t *testing.T) {
	uri := os.Getenv("VMLEDGER_MONGO_URI")
	if uri == "" {
		t.Skip("VMLEDGER_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := mongo.Open(ctx, uri, "vmledger_test")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Database().Drop(ctx); err != nil {
			t.Fatalf("drop: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	})
}
