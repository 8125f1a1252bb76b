// Package pipes defines the Pipe value object and the contracts an
// instance backend and a source connector must satisfy.
//
// A pipe is addressed by the 4-tuple (connector keys, metric key, location
// key, instance keys). The identity is immutable; everything mutable lives
// in the parameters map persisted on the instance and mediated by a
// per-pipe lock with a local write-through cache.
package pipes

import (
	"context"
	"io"
	"time"

	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// Instance is the storage contract every instance connector implements.
// Reads return values or meta.ErrNotRegistered / meta.ErrNotFound; writes
// return errors classified with the kinds in the meta package.
type Instance interface {
	connectors.Connector

	// RegisterPipe creates the metadata row. Registering an existing
	// 4-tuple fails with meta.ErrAlreadyRegistered.
	RegisterPipe(ctx context.Context, p *Pipe) error

	// EditPipe persists the pipe's in-memory parameters. With patch=true
	// the parameters are merged into the stored map; otherwise they
	// replace it.
	EditPipe(ctx context.Context, p *Pipe, patch bool) error

	// DeletePipe removes the metadata row and the target storage.
	DeletePipe(ctx context.Context, p *Pipe) error

	// PipeID returns the surrogate id, or meta.ErrNotRegistered.
	PipeID(ctx context.Context, p *Pipe) (int64, error)

	// PipeAttributes returns the stored parameters map.
	PipeAttributes(ctx context.Context, p *Pipe) (map[string]any, error)

	// PipeKeys lists registered pipes matching the filter.
	PipeKeys(ctx context.Context, filter KeysFilter) ([]KeyTuple, error)

	// PipeExists reports whether the pipe's target holds any data.
	PipeExists(ctx context.Context, p *Pipe) (bool, error)

	// SyncTime returns the extreme value of the pipe's datetime axis, or
	// nil when the target is empty or has no axis. The value is a
	// time.Time, dtypes.NaiveTime, or int64 depending on the axis dtype.
	SyncTime(ctx context.Context, p *Pipe, q SyncTimeQuery) (any, error)

	// PipeData reads rows from the target.
	PipeData(ctx context.Context, p *Pipe, q DataQuery) (*frame.Frame, error)

	// PipeRowCount counts rows in the target within the query bounds.
	PipeRowCount(ctx context.Context, p *Pipe, q DataQuery) (int64, error)

	// PipeColumnsTypes maps column names to the backend's physical types
	// for the pipe's target.
	PipeColumnsTypes(ctx context.Context, p *Pipe) (map[string]string, error)

	// PipeColumnsIndices maps column names to the index names covering
	// them.
	PipeColumnsIndices(ctx context.Context, p *Pipe) (map[string][]string, error)

	// SyncPipe writes a batch. The target is created on first write and
	// grown when new columns appear, unless the pipe is static.
	SyncPipe(ctx context.Context, p *Pipe, batch WriteBatch) (meta.SyncStats, error)

	// ClearPipe deletes rows bounded by the datetime axis and params,
	// keeping metadata and the target table. Returns the deleted count.
	ClearPipe(ctx context.Context, p *Pipe, q DataQuery) (int64, error)

	// DropPipe removes the target storage but keeps metadata.
	DropPipe(ctx context.Context, p *Pipe) error

	// DropPipeIndices drops the indices over the given columns, or all
	// pipe indices when cols is nil.
	DropPipeIndices(ctx context.Context, p *Pipe, cols []string) error

	// CreatePipeIndices rebuilds the indices over the given columns, or
	// the full declared set when cols is nil.
	CreatePipeIndices(ctx context.Context, p *Pipe, cols []string) error
}

// Fetcher is a source connector that yields row batches for a pipe.
type Fetcher interface {
	connectors.Connector

	// Fetch returns a finite, lazy sequence of batches. Begin and End may
	// be nil for an unbounded pull; params the source does not understand
	// are ignored.
	Fetch(ctx context.Context, p *Pipe, q FetchQuery) (Batches, error)
}

// PipeRegistrar is implemented by source connectors that contribute
// default parameters when a pipe is first registered. Plugin connectors
// use this to seed columns and dtypes.
type PipeRegistrar interface {
	RegisterParams(ctx context.Context, p *Pipe) (map[string]any, error)
}

// Batches is a lazy sequence of row frames. Next returns io.EOF after the
// final batch.
type Batches interface {
	Next(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// SyncTimeQuery selects which axis extreme to read.
type SyncTimeQuery struct {
	// Newest selects the maximum axis value; false selects the minimum.
	Newest bool

	// RoundDown truncates a datetime result to the minute.
	RoundDown bool

	// Params filters rows before taking the extreme.
	Params map[string]any
}

// DataQuery bounds a read, count, or clear on the target.
type DataQuery struct {
	// Begin is inclusive, End exclusive, along the datetime axis. Either
	// may be nil. Values are time.Time, dtypes.NaiveTime, or int64 to
	// match the axis dtype.
	Begin any
	End   any

	// Params filters on column values: col → value or list of values.
	// String values prefixed with the negation marker exclude instead.
	Params map[string]any

	// Columns projects the result; nil selects every column.
	Columns []string

	Limit int

	// OrderDesc reverses the axis ordering of results.
	OrderDesc bool
}

// FetchQuery bounds a source fetch.
type FetchQuery struct {
	Begin any
	End   any

	Params map[string]any

	// ChunkInterval hints the batch span along the datetime axis.
	ChunkInterval time.Duration
}

// WriteBatch carries the partitioned rows for one instance write.
type WriteBatch struct {
	// Inserts are rows with no match on the effective unique columns.
	Inserts *frame.Frame

	// Updates are matched rows with at least one changed non-key cell.
	Updates *frame.Frame

	// Upsert merges Inserts and Updates through the backend's native
	// conflict handling instead of separate insert and update passes.
	Upsert bool

	// CheckExisting records whether the filter ran upstream. When false
	// the backend may skip duplicate protection entirely.
	CheckExisting bool
}

// Rows returns the total rows carried by the batch.
func (wb WriteBatch) Rows() int {
	return wb.Inserts.Len() + wb.Updates.Len()
}

// frameSliceBatches adapts a fixed set of frames to the Batches contract.
type frameSliceBatches struct {
	frames []*frame.Frame
	i      int
}

// BatchesOf wraps in-memory frames as a batch sequence.
func BatchesOf(frames ...*frame.Frame) Batches {
	return &frameSliceBatches{frames: frames}
}

func (b *frameSliceBatches) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for b.i < len(b.frames) {
		f := b.frames[b.i]
		b.i++
		if f.Len() > 0 {
			return f, nil
		}
	}
	return nil, io.EOF
}

func (b *frameSliceBatches) Close() error { return nil }

// funcBatches adapts a pull function to the Batches contract.
type funcBatches struct {
	next  func(ctx context.Context) (*frame.Frame, error)
	close func() error
}

// BatchesFunc wraps a pull function; closeFn may be nil.
func BatchesFunc(next func(ctx context.Context) (*frame.Frame, error), closeFn func() error) Batches {
	return &funcBatches{next: next, close: closeFn}
}

func (b *funcBatches) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.next(ctx)
}

func (b *funcBatches) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
