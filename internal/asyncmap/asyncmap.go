package asyncmap

import (
	"fmt"
	"sync"
)

// ErrorLogger records a message for key's computation. fatal=true resolves
// the key with a failure; the map never accepts a later call for the same
// key once either Setter or a fatal ErrorLogger call has fired.
type ErrorLogger func(msg string, fatal bool)

// Setter fulfills key with v. Calling it more than once per key, or calling
// it after a fatal ErrorLogger call for the same key, is a caller bug; only
// the first call takes effect.
type Setter[V any] func(v V)

// Subcaller lets a compute function depend on other keys of the same map,
// modeling recursion without ever blocking the calling worker.
type Subcaller[K comparable, V any] func(keys []K, onReady func([]V), onError func(msg string, fatal bool))

// ComputeFunc is invoked at most once per key. It must eventually call
// setter (success) or errorLogger(msg, true) (fatal failure). Non-fatal
// messages may be logged any number of times via errorLogger(msg, false)
// and never resolve the key.
type ComputeFunc[K comparable, V any] func(
	pool *TaskPool,
	setter Setter[V],
	errorLogger ErrorLogger,
	subcaller Subcaller[K, V],
	key K,
)

// keyError is a fatal failure recorded for a key.
type keyError struct {
	msg string
}

func (e *keyError) Error() string { return e.msg }

type keyState[V any] struct {
	done          bool
	value         V
	err           error
	continuations []func(V, error)
}

// AsyncMapConsumer memoizes compute(key) per key: concurrent requests for
// the same key collapse onto a single invocation, and callers depend on
// keys by registering continuations rather than blocking. It is the single
// coordination primitive every root map (commit, archive, distdir, …) and
// the critical-Git-op guard are built from.
type AsyncMapConsumer[K comparable, V any] struct {
	mu      sync.Mutex
	states  map[K]*keyState[V]
	compute ComputeFunc[K, V]
	pool    *TaskPool

	// OnLog, if set, receives non-fatal log messages forwarded via
	// errorLogger(msg, false). It must not block.
	OnLog func(key K, msg string)
}

// New creates a map backed by pool, computing each key's value with fn.
func New[K comparable, V any](pool *TaskPool, fn ComputeFunc[K, V]) *AsyncMapConsumer[K, V] {
	return &AsyncMapConsumer[K, V]{
		states:  make(map[K]*keyState[V]),
		compute: fn,
		pool:    pool,
	}
}

// ConsumeAfterKeysReady resolves every key in keys, deduplicating and
// memoizing compute invocations, then submits onReady with the values in
// request order once every key has resolved. A fatal error on any key
// submits onError instead and onReady never fires for this call. Neither
// callback runs synchronously on the calling goroutine — both are
// dispatched through the pool, so ConsumeAfterKeysReady itself never blocks.
func (m *AsyncMapConsumer[K, V]) ConsumeAfterKeysReady(
	keys []K,
	onReady func([]V),
	onError func(msg string, fatal bool),
) {
	if len(keys) == 0 {
		m.pool.Submit(func() { onReady(nil) })

		return
	}

	values := make([]V, len(keys))
	join := &joinState[V]{remaining: len(keys), onReady: onReady, onError: onError, values: values, pool: m.pool}

	for idx, key := range keys {
		idx, key := idx, key

		m.mu.Lock()

		state, exists := m.states[key]
		if !exists {
			state = &keyState[V]{}
			m.states[key] = state
		}

		switch {
		case state.done && state.err == nil:
			v := state.value
			m.mu.Unlock()
			join.resolve(idx, v, nil)

			continue
		case state.done:
			err := state.err
			var zero V
			m.mu.Unlock()
			join.resolve(idx, zero, err)

			continue
		default:
			state.continuations = append(state.continuations, func(v V, err error) {
				join.resolve(idx, v, err)
			})
		}

		m.mu.Unlock()

		if !exists {
			m.spawnCompute(key, state)
		}
	}
}

// spawnCompute submits the single compute invocation for key to the pool.
// Panics are caught and turned into a fatal error for the key, matching the
// "panics are caught, logged, and reported to the map's error continuation"
// rule for task-pool closures.
func (m *AsyncMapConsumer[K, V]) spawnCompute(key K, state *keyState[V]) {
	m.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				m.resolveError(key, fmt.Sprintf("panic: %v", r))
			}
		}()

		setter := func(v V) { m.resolveValue(key, v) }
		errorLogger := func(msg string, fatal bool) {
			if !fatal {
				if m.OnLog != nil {
					m.OnLog(key, msg)
				}

				return
			}

			m.resolveError(key, msg)
		}

		m.compute(m.pool, setter, errorLogger, m.subcall, key)
	})
}

// subcall implements Subcaller by delegating back into this same map.
func (m *AsyncMapConsumer[K, V]) subcall(keys []K, onReady func([]V), onError func(msg string, fatal bool)) {
	m.ConsumeAfterKeysReady(keys, onReady, onError)
}

func (m *AsyncMapConsumer[K, V]) resolveValue(key K, v V) {
	m.resolve(key, v, nil)
}

func (m *AsyncMapConsumer[K, V]) resolveError(key K, msg string) {
	var zero V

	m.resolve(key, zero, &keyError{msg: msg})
}

// resolve fulfills key exactly once: state is written and its continuation
// list captured under the lock, then the lock is released before firing —
// a continuation synchronously re-entering the map (e.g. via subcaller)
// must never find the lock already held by its own caller.
func (m *AsyncMapConsumer[K, V]) resolve(key K, v V, err error) {
	m.mu.Lock()

	state := m.states[key]
	if state == nil || state.done {
		m.mu.Unlock()

		return
	}

	state.done = true
	state.value = v
	state.err = err
	continuations := state.continuations
	state.continuations = nil
	m.mu.Unlock()

	for _, cb := range continuations {
		cb(v, err)
	}
}

// joinState tracks the in-flight fan-in for one ConsumeAfterKeysReady call.
type joinState[V any] struct {
	mu        sync.Mutex
	remaining int
	errored   bool
	values    []V
	onReady   func([]V)
	onError   func(msg string, fatal bool)
	pool      *TaskPool
}

func (j *joinState[V]) resolve(idx int, v V, err error) {
	j.mu.Lock()

	if j.errored {
		j.mu.Unlock()

		return
	}

	if err != nil {
		j.errored = true
		j.mu.Unlock()
		j.pool.Submit(func() { j.onError(err.Error(), true) })

		return
	}

	j.values[idx] = v
	j.remaining--
	done := j.remaining == 0
	j.mu.Unlock()

	if done {
		j.pool.Submit(func() { j.onReady(j.values) })
	}
}
