package vmledger

import "github.com/xraph/vmledger/id"

// ID is the primary identifier type for all vmledger records.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
