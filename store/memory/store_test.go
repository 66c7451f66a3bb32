package memory_test

import (
	"testing"

	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/memory"
	"github.com/xraph/vmledger/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}
