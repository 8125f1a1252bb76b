// Package connectors resolves type:label keys to live connector handles.
//
// A Registry holds one factory per connector type and memoises the handles
// it builds, so each (type, label) pair is constructed at most once per
// process. Connector attributes come from the configuration tree under
// meerschaum:connectors:<type>:<label>, with the <type>:default subtree
// filling gaps, and finally from MRSM_<TYPE>_<LABEL> environment variables
// for ad-hoc definitions.
package connectors

import (
	"context"

	"github.com/mrsm-io/mrsm/internal/keys"
)

// Connector is the minimal surface every connector variant exposes. The
// capability interfaces (instance storage, fetching) are asserted by the
// callers that need them.
type Connector interface {
	// Keys returns the type:label address of this connector.
	Keys() keys.Key

	// Attributes returns the resolved attribute map the connector was
	// built from.
	Attributes() map[string]any

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the connector's resources.
	Close() error
}

// Factory builds a connector of one type from resolved attributes.
type Factory func(ctx context.Context, k keys.Key, attrs map[string]any) (Connector, error)
