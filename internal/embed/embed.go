// Package embed turns record text into vectors for the similarity index.
package embed

import (
	"context"
)

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pinger is implemented by embedders backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports whether e can currently serve requests. Local embedders are
// always reachable.
func Ping(ctx context.Context, e Embedder) error {
	if p, ok := e.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
