// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifold

import (
	"github.com/dreamsxin/manifold/engine"
	"github.com/dreamsxin/manifold/types"
)

// Stable error kinds, re-exported from types for callers that only import
// the root package. Match with errors.Is.
var (
	ErrClosed            = types.ErrClosed
	ErrCorrupt           = types.ErrCorrupt
	ErrHeaderCorrupt     = types.ErrHeaderCorrupt
	ErrUnsupported       = types.ErrUnsupported
	ErrWALCorrupt        = types.ErrWALCorrupt
	ErrWALTailTorn       = types.ErrWALTailTorn
	ErrStorageFull       = types.ErrStorageFull
	ErrAlreadyExists     = types.ErrAlreadyExists
	ErrNotFound          = types.ErrNotFound
	ErrTableTypeMismatch = types.ErrTableTypeMismatch
	ErrInvalidArgument   = types.ErrInvalidArgument
	ErrPoisoned          = types.ErrPoisoned
)

// Durability levels, re-exported for the same reason.
type Durability = types.Durability

const (
	DurabilityNone      = types.DurabilityNone
	DurabilityEventual  = types.DurabilityEventual
	DurabilityImmediate = types.DurabilityImmediate
)

// Transaction and table types of the per-column-family engine.
type (
	WriteTxn        = engine.WriteTxn
	ReadTxn         = engine.ReadTxn
	Table           = engine.Table
	Iterator        = engine.Iterator
	TableDefinition = engine.TableDefinition
)
