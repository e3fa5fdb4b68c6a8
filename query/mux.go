package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKey is wrapped by errors reporting a query with no handler.
var ErrUnknownKey = errors.New("unknown query key")

// A Handler processes the value of a received query. A handler can obtain the
// complete query from its context argument using the ContextQuery helper.
type Handler func(ctx context.Context, value string) error

// queryContextKey is a context key for the query passed to a handler.
type queryContextKey struct{}

// ContextQuery returns the query being dispatched to a handler, or the zero
// Query if ctx has no associated query.
func ContextQuery(ctx context.Context) Query {
	if v := ctx.Value(queryContextKey{}); v != nil {
		return v.(Query)
	}
	return Query{}
}

// Param adapts a function f that accepts a value of type P to a Handler. The
// type P must be []byte or string, or a type whose pointer implements
// encoding.TextUnmarshaler.
func Param[P any](f func(context.Context, P) error) Handler {
	return func(ctx context.Context, value string) error {
		var p P
		if err := unmarshal(value, &p); err != nil {
			return err
		}
		return f(ctx, p)
	}
}

// A Mux dispatches queries to handlers by key. A zero Mux is ready for use.
// Its methods are safe for concurrent use by multiple goroutines.
type Mux struct {
	μ    sync.Mutex
	keys map[string]Handler
}

// Handle registers h as the handler for queries with the given key,
// replacing any previous handler. If h == nil, the handler for key is
// removed. It returns m to permit chaining.
func (m *Mux) Handle(key string, h Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		delete(m.keys, key)
	} else {
		if m.keys == nil {
			m.keys = make(map[string]Handler)
		}
		m.keys[key] = h
	}
	return m
}

// Keys returns the registered keys in lexicographic order.
func (m *Mux) Keys() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	keys := make([]string, 0, len(m.keys))
	for key := range m.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Dispatch parses data as a query and invokes the handler for its key.
// It reports an error wrapping ErrMalformed if data is not a query, or
// ErrUnknownKey if no handler is registered for the key.
func (m *Mux) Dispatch(ctx context.Context, data []byte) error {
	q, err := Parse(data)
	if err != nil {
		return err
	}
	m.μ.Lock()
	h, ok := m.keys[q.Key]
	m.μ.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, q.Key)
	}
	if err := h(context.WithValue(ctx, queryContextKey{}, q), q.Value); err != nil {
		return fmt.Errorf("query %q: %w", q.Key, err)
	}
	return nil
}
