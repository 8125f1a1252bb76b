package pluginconn

import (
	"context"
	"errors"
	"io"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// Fetch delegates to the module. Panics and unclassified errors surface
// with the plugin kind so a misbehaving module cannot take the syncer
// down with it.
func (c *Connector) Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (batches pipes.Batches, err error) {
	defer func() {
		if r := recover(); r != nil {
			batches = nil
			err = meta.Errorf(meta.KindPlugin, "plugin fetch", "plugin %s panicked: %v", c.module.Name(), r)
		}
	}()
	batches, err = c.module.Fetch(ctx, p, q)
	if err != nil {
		return nil, classifyPluginErr("plugin fetch", c.module.Name(), err)
	}
	if batches == nil {
		return pipes.BatchesOf(), nil
	}
	return &pluginBatches{inner: batches, name: c.module.Name()}, nil
}

// RegisterParams contributes the pipe's bootstrap parameters: manifest
// parameters first, then whatever the module itself returns on top.
func (c *Connector) RegisterParams(ctx context.Context, p *pipes.Pipe) (params map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			params = nil
			err = meta.Errorf(meta.KindPlugin, "plugin register", "plugin %s panicked: %v", c.module.Name(), r)
		}
	}()
	params = c.manifest.Parameters
	registrar, ok := c.module.(pipes.PipeRegistrar)
	if !ok {
		return params, nil
	}
	contributed, err := registrar.RegisterParams(ctx, p)
	if err != nil {
		return nil, classifyPluginErr("plugin register", c.module.Name(), err)
	}
	if len(contributed) == 0 {
		return params, nil
	}
	if len(params) == 0 {
		return contributed, nil
	}
	return config.Merge(params, contributed), nil
}

// pluginBatches classifies errors crossing the module boundary during
// iteration.
type pluginBatches struct {
	inner pipes.Batches
	name  string
}

func (b *pluginBatches) Next(ctx context.Context) (f *frame.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = meta.Errorf(meta.KindPlugin, "plugin fetch", "plugin %s panicked: %v", b.name, r)
		}
	}()
	f, err = b.inner.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, classifyPluginErr("plugin fetch", b.name, err)
	}
	return f, err
}

func (b *pluginBatches) Close() error {
	return classifyPluginErr("plugin fetch", b.name, b.inner.Close())
}
