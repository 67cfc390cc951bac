// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import "errors"

var (
	// ErrClosed is returned from any operation on a closed database,
	// engine or journal.
	ErrClosed = errors.New("closed")

	// ErrCorrupt indicates that on-disk data failed validation (bad magic,
	// bad checksum, impossible lengths).
	ErrCorrupt = errors.New("corrupt data")

	// ErrHeaderCorrupt means both master-header slots failed validation.
	// The database cannot be opened.
	ErrHeaderCorrupt = errors.New("master header corrupt")

	// ErrUnsupported means the file carries a format version this build
	// cannot read; migration is required.
	ErrUnsupported = errors.New("unsupported format version")

	// ErrWALCorrupt means the WAL contains damage inside the validated
	// sequence range: a gap or a bad CRC below latest_seq.
	ErrWALCorrupt = errors.New("WAL corrupt")

	// ErrWALTailTorn marks an invalid frame beyond latest_seq. It is
	// recoverable: replay stops there and treats the log as clean.
	ErrWALTailTorn = errors.New("WAL tail torn")

	// ErrStorageFull is returned when growing the file fails for lack of
	// space.
	ErrStorageFull = errors.New("storage full")

	// ErrAlreadyExists is returned when creating a column family whose
	// name is already live. Tables never return it: OpenTable opens an
	// existing table or creates a missing one.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned for lookups of unknown column families,
	// tables or keys.
	ErrNotFound = errors.New("not found")

	// ErrTableTypeMismatch is returned from open_table when the supplied
	// definition's declared types differ from the stored ones.
	ErrTableTypeMismatch = errors.New("table type mismatch")

	// ErrInvalidArgument is returned synchronously for malformed inputs,
	// e.g. a name that is empty or too long.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPoisoned means the journal hit a failed frame write, sync or
	// header write and accepts no further commits.
	ErrPoisoned = errors.New("poisoned")
)
