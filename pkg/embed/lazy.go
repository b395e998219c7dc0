package embed

import (
	"context"
	"sync"
)

// Lazy defers construction of an Embedder until the first call that needs a
// vector. The factory runs at most once; its outcome, success or failure, is
// memoized so an unreachable provider is probed a single time and every
// later call fails fast, letting search degrade to keyword mode without
// repeated connection timeouts.
type Lazy struct {
	factory func() (Embedder, error)

	once     sync.Once
	delegate Embedder
	err      error

	// advertised before initialization so stores can be sized up front
	dims  int
	model string
}

// NewLazy wraps a factory. dims and model are advertised without triggering
// initialization.
func NewLazy(dims int, model string, factory func() (Embedder, error)) *Lazy {
	return &Lazy{factory: factory, dims: dims, model: model}
}

func (l *Lazy) init() (Embedder, error) {
	l.once.Do(func() {
		l.delegate, l.err = l.factory()
	})
	return l.delegate, l.err
}

// Embed initializes the delegate on first use and forwards.
func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	delegate, err := l.init()
	if err != nil {
		return nil, err
	}
	return delegate.Embed(ctx, text)
}

// EmbedBatch initializes the delegate on first use and forwards.
func (l *Lazy) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	delegate, err := l.init()
	if err != nil {
		return nil, err
	}
	return delegate.EmbedBatch(ctx, texts)
}

// Dimensions returns the advertised vector width.
func (l *Lazy) Dimensions() int { return l.dims }

// Model returns the advertised model name.
func (l *Lazy) Model() string { return l.model }

var _ Embedder = (*Lazy)(nil)
