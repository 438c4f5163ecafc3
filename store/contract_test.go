package store

import "github.com/jiazeyu1987/MRC-sub000/flow"

// Gorm must satisfy the engine's store contract.
var _ flow.Store = (*Gorm)(nil)
