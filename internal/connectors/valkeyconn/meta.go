package valkeyconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// registration is the stored value for one pipe in the pipes hash.
type registration struct {
	PipeID     int64          `json:"pipe_id"`
	Parameters map[string]any `json:"parameters"`
}

// lookup loads the registration envelope for the pipe's identity triple.
func (c *Connector) lookup(ctx context.Context, p *pipes.Pipe) (registration, error) {
	raw, err := c.client.HGet(ctx, pipesKey, tripleField(p)).Result()
	if errors.Is(err, redis.Nil) {
		return registration{}, meta.ErrNotRegistered
	}
	if err != nil {
		return registration{}, meta.E(meta.KindConnector, "pipe lookup", err)
	}
	var reg registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return registration{}, meta.E(meta.KindInternal, "pipe lookup", err)
	}
	return reg, nil
}

// store writes the registration envelope back to the pipes hash.
func (c *Connector) store(ctx context.Context, p *pipes.Pipe, reg registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return meta.E(meta.KindInternal, "store pipe", err)
	}
	if err := c.client.HSet(ctx, pipesKey, tripleField(p), string(data)).Err(); err != nil {
		return meta.E(meta.KindConnector, "store pipe", err)
	}
	return nil
}

// RegisterPipe claims the pipe's identity triple and stores its parameters.
func (c *Connector) RegisterPipe(ctx context.Context, p *pipes.Pipe) error {
	if _, err := c.lookup(ctx, p); err == nil {
		return meta.E(meta.KindConfig, "register pipe", fmt.Errorf("%s: %w", p, meta.ErrAlreadyRegistered))
	} else if !errors.Is(err, meta.ErrNotRegistered) {
		return err
	}
	defer c.observe("register", time.Now())
	id, err := c.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return meta.E(meta.KindConnector, "register pipe", err)
	}
	data, err := json.Marshal(registration{PipeID: id, Parameters: p.Params().Raw()})
	if err != nil {
		return meta.E(meta.KindInternal, "register pipe", err)
	}
	set, err := c.client.HSetNX(ctx, pipesKey, tripleField(p), string(data)).Result()
	if err != nil {
		return meta.E(meta.KindConnector, "register pipe", err)
	}
	if !set {
		return meta.E(meta.KindConfig, "register pipe", fmt.Errorf("%s: %w", p, meta.ErrAlreadyRegistered))
	}
	return nil
}

// EditPipe persists the pipe's in-memory parameters. With patch=true they
// are merged into the stored map, otherwise they replace it.
func (c *Connector) EditPipe(ctx context.Context, p *pipes.Pipe, patch bool) error {
	reg, err := c.lookup(ctx, p)
	if errors.Is(err, meta.ErrNotRegistered) {
		return meta.E(meta.KindConfig, "edit pipe", fmt.Errorf("%s: %w", p, err))
	}
	if err != nil {
		return err
	}
	params := p.Params().Raw()
	if patch {
		params = config.Merge(reg.Parameters, params)
	}
	reg.Parameters = params
	return c.store(ctx, p, reg)
}

// DeletePipe removes the registration and all stored rows.
func (c *Connector) DeletePipe(ctx context.Context, p *pipes.Pipe) error {
	if err := c.DropPipe(ctx, p); err != nil {
		return err
	}
	n, err := c.client.HDel(ctx, pipesKey, tripleField(p)).Result()
	if err != nil {
		return meta.E(meta.KindConnector, "delete pipe", err)
	}
	if n == 0 {
		return meta.E(meta.KindConfig, "delete pipe", fmt.Errorf("%s: %w", p, meta.ErrNotRegistered))
	}
	return nil
}

// PipeID returns the surrogate id assigned at registration.
func (c *Connector) PipeID(ctx context.Context, p *pipes.Pipe) (int64, error) {
	reg, err := c.lookup(ctx, p)
	if err != nil {
		return 0, err
	}
	return reg.PipeID, nil
}

// PipeAttributes returns the stored parameters map.
func (c *Connector) PipeAttributes(ctx context.Context, p *pipes.Pipe) (map[string]any, error) {
	reg, err := c.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if reg.Parameters == nil {
		return map[string]any{}, nil
	}
	return reg.Parameters, nil
}

// PipeKeys lists registered identity triples matching the filter. The hash
// is unordered, so results are sorted by triple for stable output.
func (c *Connector) PipeKeys(ctx context.Context, filter pipes.KeysFilter) ([]pipes.KeyTuple, error) {
	all, err := c.client.HGetAll(ctx, pipesKey).Result()
	if err != nil {
		return nil, meta.E(meta.KindConnector, "pipe keys", err)
	}
	var out []pipes.KeyTuple
	for field, raw := range all {
		var triple [3]string
		if err := json.Unmarshal([]byte(field), &triple); err != nil {
			return nil, meta.E(meta.KindInternal, "pipe keys", err)
		}
		t := pipes.KeyTuple{ConnectorKeys: triple[0], MetricKey: triple[1], LocationKey: triple[2]}
		if !filter.Matches(t) {
			continue
		}
		if len(filter.Tags) > 0 {
			var reg registration
			if err := json.Unmarshal([]byte(raw), &reg); err != nil {
				return nil, meta.E(meta.KindInternal, "pipe keys", err)
			}
			if !filter.MatchesTags(pipes.NewParams(reg.Parameters).Tags()) {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ConnectorKeys != b.ConnectorKeys {
			return a.ConnectorKeys < b.ConnectorKeys
		}
		if a.MetricKey != b.MetricKey {
			return a.MetricKey < b.MetricKey
		}
		return a.LocationKey < b.LocationKey
	})
	return out, nil
}

// storedParams loads the registered parameters, falling back to the pipe's
// in-memory view when the pipe is unregistered.
func (c *Connector) storedParams(ctx context.Context, p *pipes.Pipe) (pipes.Params, error) {
	attrs, err := c.PipeAttributes(ctx, p)
	if errors.Is(err, meta.ErrNotRegistered) {
		return p.Params(), nil
	}
	if err != nil {
		return pipes.Params{}, err
	}
	return pipes.NewParams(attrs), nil
}
