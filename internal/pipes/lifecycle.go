package pipes

import (
	"context"
	"errors"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// requireInstance guards operations that need a bound backend.
func (p *Pipe) requireInstance() error {
	if p.instance == nil {
		return meta.Errorf(meta.KindConfig, "pipe", "%s has no bound instance", p)
	}
	return nil
}

// Attributes returns the pipe's parameters, loading them from the
// instance on first use. The local cache is authoritative afterwards
// until Refresh is called.
func (p *Pipe) Attributes(ctx context.Context) (Params, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return NewParams(copyTree(p.params)), nil
	}
	if p.instance == nil {
		p.params = map[string]any{}
		p.loaded = true
		return NewParams(nil), nil
	}
	attrs, err := p.instance.PipeAttributes(ctx, p)
	if err != nil {
		if errors.Is(err, meta.ErrNotRegistered) || errors.Is(err, meta.ErrNotFound) {
			p.params = map[string]any{}
			p.loaded = true
			return NewParams(nil), nil
		}
		return Params{}, err
	}
	p.params = attrs
	p.loaded = true
	return NewParams(copyTree(p.params)), nil
}

// Refresh drops the local cache so the next read hits the instance.
func (p *Pipe) Refresh() {
	p.mu.Lock()
	p.params = nil
	p.loaded = false
	p.mu.Unlock()
}

// UpdateParameters merges a patch into the parameters and writes them
// through to the instance. The per-pipe lock serialises concurrent
// updates from sync workers.
func (p *Pipe) UpdateParameters(ctx context.Context, patch map[string]any) error {
	if err := p.requireInstance(); err != nil {
		return err
	}
	if _, err := p.Attributes(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.params = config.Merge(p.params, patch)
	p.mu.Unlock()
	return p.instance.EditPipe(ctx, p, true)
}

// SetParameters replaces the parameters wholesale and writes them through.
func (p *Pipe) SetParameters(ctx context.Context, params map[string]any) error {
	if err := p.requireInstance(); err != nil {
		return err
	}
	p.mu.Lock()
	p.params = copyTree(params)
	p.loaded = true
	p.mu.Unlock()
	return p.instance.EditPipe(ctx, p, false)
}

// ID returns the surrogate id assigned at registration.
func (p *Pipe) ID(ctx context.Context) (int64, error) {
	if err := p.requireInstance(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	cached := p.id
	p.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}
	id, err := p.instance.PipeID(ctx, p)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
	return id, nil
}

// IsRegistered reports whether the pipe has a metadata row.
func (p *Pipe) IsRegistered(ctx context.Context) (bool, error) {
	if err := p.requireInstance(); err != nil {
		return false, err
	}
	_, err := p.instance.PipeID(ctx, p)
	if errors.Is(err, meta.ErrNotRegistered) || errors.Is(err, meta.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Register creates the metadata row. When the source connector contributes
// registration parameters they are merged under the current ones.
func (p *Pipe) Register(ctx context.Context) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if registrar, ok := p.source.(PipeRegistrar); ok {
		contributed, err := registrar.RegisterParams(ctx, p)
		if err != nil {
			return meta.FromError(meta.E(meta.KindPlugin, "register params", err))
		}
		if len(contributed) > 0 {
			p.mu.Lock()
			p.params = config.Merge(contributed, p.params)
			p.loaded = true
			p.mu.Unlock()
		}
	}
	if err := p.instance.RegisterPipe(ctx, p); err != nil {
		return meta.FromError(err)
	}
	return meta.OK("registered %s", p)
}

// Edit persists the in-memory parameters.
func (p *Pipe) Edit(ctx context.Context, patch bool) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if err := p.instance.EditPipe(ctx, p, patch); err != nil {
		return meta.FromError(err)
	}
	return meta.OK("edited %s", p)
}

// Delete removes the metadata row and the target storage.
func (p *Pipe) Delete(ctx context.Context) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if err := p.instance.DeletePipe(ctx, p); err != nil {
		return meta.FromError(err)
	}
	p.Refresh()
	p.mu.Lock()
	p.id = 0
	p.mu.Unlock()
	return meta.OK("deleted %s", p)
}

// Drop removes the target storage but keeps metadata.
func (p *Pipe) Drop(ctx context.Context) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if err := p.instance.DropPipe(ctx, p); err != nil {
		return meta.FromError(err)
	}
	return meta.OK("dropped %s", p)
}

// Clear deletes rows in the given range, keeping metadata and the target.
func (p *Pipe) Clear(ctx context.Context, q DataQuery) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	n, err := p.instance.ClearPipe(ctx, p, q)
	if err != nil {
		return meta.FromError(err)
	}
	return meta.OK("cleared %d rows from %s", n, p)
}

// DropIndices drops the pipe's indices.
func (p *Pipe) DropIndices(ctx context.Context, cols []string) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if err := p.instance.DropPipeIndices(ctx, p, cols); err != nil {
		return meta.FromError(err)
	}
	return meta.OK("dropped indices on %s", p)
}

// CreateIndices rebuilds the pipe's indices.
func (p *Pipe) CreateIndices(ctx context.Context, cols []string) meta.SuccessTuple {
	if err := p.requireInstance(); err != nil {
		return meta.FromError(err)
	}
	if err := p.instance.CreatePipeIndices(ctx, p, cols); err != nil {
		return meta.FromError(err)
	}
	return meta.OK("created indices on %s", p)
}

// Exists reports whether the target holds data.
func (p *Pipe) Exists(ctx context.Context) (bool, error) {
	if err := p.requireInstance(); err != nil {
		return false, err
	}
	return p.instance.PipeExists(ctx, p)
}

// RowCount counts target rows within the query bounds.
func (p *Pipe) RowCount(ctx context.Context, q DataQuery) (int64, error) {
	if err := p.requireInstance(); err != nil {
		return 0, err
	}
	return p.instance.PipeRowCount(ctx, p, q)
}

// Data reads target rows.
func (p *Pipe) Data(ctx context.Context, q DataQuery) (*frame.Frame, error) {
	if err := p.requireInstance(); err != nil {
		return nil, err
	}
	return p.instance.PipeData(ctx, p, q)
}

// SyncTime returns the newest (or oldest) axis value in the target.
func (p *Pipe) SyncTime(ctx context.Context, q SyncTimeQuery) (any, error) {
	if err := p.requireInstance(); err != nil {
		return nil, err
	}
	return p.instance.SyncTime(ctx, p, q)
}
