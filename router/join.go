package router

import (
	"context"
)

// Joined is the outcome of one task started by Join.
type Joined[V any] struct {
	Value V
	Err   error

	// Done is false if the task had not finished when the wait ended.
	Done bool
}

// Join runs fn for every key concurrently and waits until all tasks finish or
// ctx ends, whichever comes first. Every key has an entry in the result; tasks
// still running when ctx ends are reported with Done false and keep running in
// the background. Late results are dropped without blocking.
func Join[K comparable, V any](ctx context.Context, keys []K, fn func(K) (V, error)) map[K]Joined[V] {
	type result struct {
		key K
		Joined[V]
	}

	results := make(chan result, len(keys))
	for _, key := range keys {
		go func(key K) {
			v, err := fn(key)
			results <- result{key: key, Joined: Joined[V]{Value: v, Err: err, Done: true}}
		}(key)
	}

	out := make(map[K]Joined[V], len(keys))
	for range keys {
		select {
		case r := <-results:
			out[r.key] = r.Joined
		case <-ctx.Done():
			for _, key := range keys {
				if _, ok := out[key]; !ok {
					out[key] = Joined[V]{Err: ctx.Err()}
				}
			}
			return out
		}
	}
	return out
}
