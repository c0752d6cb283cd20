// Package memstore implements the solver and worker stores in memory.
//
// A transaction works on a private copy of the tables and publishes it on
// commit, so a failed or panicking callback leaves no trace. Transactions
// are serialized by a single mutex, which also stands in for row locks.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"swpttrade/internal/store"
)

// SolverStore is an in-memory store.SolverStore.
type SolverStore struct {
	mu    sync.Mutex
	state *solverState
}

func NewSolverStore() *SolverStore {
	return &SolverStore{state: newSolverState()}
}

func (s *SolverStore) Atomic(ctx context.Context, fn func(tx store.SolverTx) error) error {
	return store.RetryOnUniqueViolation(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		snapshot := s.state.clone()
		if err := fn(&solverTx{st: snapshot}); err != nil {
			return err
		}
		s.state = snapshot
		return nil
	})
}

func (s *SolverStore) Ping(context.Context) error { return nil }

// WorkerStore is an in-memory store.WorkerStore.
type WorkerStore struct {
	mu    sync.Mutex
	state *workerState
}

func NewWorkerStore() *WorkerStore {
	return &WorkerStore{state: newWorkerState()}
}

func (s *WorkerStore) Atomic(ctx context.Context, fn func(tx store.WorkerTx) error) error {
	return store.RetryOnUniqueViolation(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		snapshot := s.state.clone()
		if err := fn(&workerTx{st: snapshot}); err != nil {
			return err
		}
		s.state = snapshot
		return nil
	})
}

func (s *WorkerStore) Ping(context.Context) error { return nil }

// sortedValues returns the map's values ordered by key.
func sortedValues[K comparable, V any](m map[K]V, keyCmp func(a, b K) int) []V {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, keyCmp)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// filterValues returns the values accepted by keep, ordered by key.
func filterValues[K comparable, V any](m map[K]V, keyCmp func(a, b K) int, keep func(V) bool) []V {
	var out []V
	for _, v := range sortedValues(m, keyCmp) {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func deleteWhere[K comparable, V any](m map[K]V, drop func(V) bool) {
	maps.DeleteFunc(m, func(_ K, v V) bool { return drop(v) })
}

func limitRows[V any](rows []V, limit int) []V {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func ptr[T any](v T) *T { return &v }

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

type pairKey struct {
	a, b int64
}

func cmpPair(x, y pairKey) int {
	return cmp.Or(cmp.Compare(x.a, y.a), cmp.Compare(x.b, y.b))
}
