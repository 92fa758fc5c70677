package gitops

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgeline/mrsetup/internal/asyncmap"
	"github.com/forgeline/mrsetup/internal/gitkit"
)

// Value is what every Git op resolves its key to: an op whose underlying
// Git operation failed still resolves, with OK=false, so downstream code
// can tell op-failure from map-error. Only a repository that cannot be
// opened or an op that cannot be run at all is reported as a fatal error,
// without a Value.
type Value struct {
	OK      bool
	Hash    gitkit.Hash
	RefName string

	// Hit is set by FetchCommit when the commit was already present
	// locally and no network fetch happened.
	Hit bool
}

// Request carries the parameters an op needs beyond its Key: the target
// ref name for InitialCommit, the commit author for InitialCommit, the
// commit message, the branch name for GetBranchRefname, and the remote
// URL plus fall-back mirrors for FetchCommit. A Request is registered
// once per Key before that Key is ever submitted to the map.
type Request struct {
	Key       Key
	Bare      bool
	RefName   string
	Signature gitkit.Signature
	Message   string
	Branch    string
	RemoteURL string
	Mirrors   []string
}

// Map is the Git-op map: an AsyncMapConsumer[Key, Value] whose compute
// function consults a Guard to serialize ops on the same repository path
// into a chain, executing each one on a per-path gitkit.Worker once its
// predecessor (if any) has resolved.
type Map struct {
	guard   *Guard
	inner   *asyncmap.AsyncMapConsumer[Key, Value]
	pool    *asyncmap.TaskPool
	mu      sync.Mutex
	workers map[string]*gitkit.Worker
	repos   map[string]*gitkit.Repository
	reqs    map[Key]Request
	reqsMu  sync.Mutex
}

// New creates a Git-op map backed by pool.
func New(pool *asyncmap.TaskPool) *Map {
	m := &Map{
		guard:   NewGuard(),
		pool:    pool,
		workers: make(map[string]*gitkit.Worker),
		repos:   make(map[string]*gitkit.Repository),
		reqs:    make(map[Key]Request),
	}
	m.inner = asyncmap.New(pool, m.compute)

	return m
}

// Submit registers req and resolves it, invoking onReady with the op's
// Value once it (and every earlier op chained on the same path) has run,
// or onError if a fatal error occurred anywhere in the chain.
func (m *Map) Submit(req Request, onReady func(Value), onError func(msg string, fatal bool)) {
	m.reqsMu.Lock()
	m.reqs[req.Key] = req
	m.reqsMu.Unlock()

	m.inner.ConsumeAfterKeysReady([]Key{req.Key}, func(vs []Value) {
		onReady(vs[0])
	}, onError)
}

func (m *Map) request(key Key) (Request, bool) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()

	req, ok := m.reqs[key]

	return req, ok
}

// compute consults the guard first; if a predecessor is chained on this
// path, wait for it (via subcaller, never blocking the worker) before
// running; otherwise run immediately.
func (m *Map) compute(
	_ *asyncmap.TaskPool,
	setter asyncmap.Setter[Value],
	errorLogger asyncmap.ErrorLogger,
	subcaller asyncmap.Subcaller[Key, Value],
	key Key,
) {
	req, ok := m.request(key)
	if !ok {
		errorLogger(fmt.Sprintf("gitops: no request registered for key %+v", key), true)

		return
	}

	prev, hasPrev := m.guard.Advance(req.Key.Path, req.Key)
	if !hasPrev {
		m.run(req, setter, errorLogger)

		return
	}

	subcaller([]Key{prev}, func([]Value) {
		m.run(req, setter, errorLogger)
	}, errorLogger)
}

// run executes req's op on its path's worker, opening/creating the
// repository the first time a path is touched.
func (m *Map) run(req Request, setter asyncmap.Setter[Value], errorLogger asyncmap.ErrorLogger) {
	worker, err := m.workerFor(req)
	if err != nil {
		errorLogger(fmt.Sprintf("gitops: %s on %s: %v", req.Key.OpType, req.Key.Path, err), true)

		return
	}

	result, execErr := worker.Submit(func(repo *gitkit.Repository) (any, error) {
		return executeOp(repo, req)
	})
	if execErr != nil {
		// Execution failure here means the op itself could not even run
		// (e.g. the repository handle is unusable) — an internal/io
		// error, not the op returning ok=false. This is fatal.
		errorLogger(fmt.Sprintf("gitops: %s on %s: %v", req.Key.OpType, req.Key.Path, execErr), true)

		return
	}

	setter(result.(Value)) //nolint:forcetypeassert // executeOp always returns Value
}

// workerFor returns the Worker serializing libgit2 calls for req's path,
// opening or initializing the repository on first use.
func (m *Map) workerFor(req Request) (*gitkit.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[req.Key.Path]; ok {
		return w, nil
	}

	var (
		repo *gitkit.Repository
		err  error
	)

	switch req.Key.OpType {
	case EnsureInit, FetchCommit:
		repo, err = gitkit.EnsureInit(req.Key.Path, req.Bare)
	default:
		repo, err = gitkit.OpenRepository(req.Key.Path)
	}

	if err != nil {
		return nil, err
	}

	worker := gitkit.NewWorker(repo)
	worker.Start()

	m.workers[req.Key.Path] = worker
	m.repos[req.Key.Path] = repo

	return worker, nil
}

// Close stops every per-path worker and frees its repository handle. The
// driver calls this once, at the end of the top-level request's lexical
// scope.
func (m *Map) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, worker := range m.workers {
		worker.Stop()

		if repo, ok := m.repos[path]; ok {
			repo.Free()
		}
	}

	m.workers = make(map[string]*gitkit.Worker)
	m.repos = make(map[string]*gitkit.Repository)
}

// executeOp dispatches req to the concrete gitkit call for its OpType.
func executeOp(repo *gitkit.Repository, req Request) (Value, error) {
	switch req.Key.OpType {
	case EnsureInit:
		return Value{OK: true}, nil

	case InitialCommit:
		treeHash, err := gitkit.ParseHash(req.Key.Hash)
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr // op-failure, not map-error
		}

		sig := req.Signature
		if sig.IsZero() {
			sig = gitkit.DefaultSignature(time.Now())
		}

		commitHash, err := repo.InitialCommit(req.RefName, treeHash, sig, req.Message)
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		return Value{OK: true, Hash: commitHash}, nil

	case KeepTag:
		commitHash, err := gitkit.ParseHash(req.Key.Hash)
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		if err := repo.KeepTag(commitHash); err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		return Value{OK: true, Hash: commitHash}, nil

	case GetHeadID:
		head, err := repo.GetHeadID()
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		return Value{OK: true, Hash: head}, nil

	case GetBranchRefname:
		refname, err := repo.GetBranchRefname(req.Branch)
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		return Value{OK: true, RefName: refname}, nil

	case FetchCommit:
		want, err := gitkit.ParseHash(req.Key.Hash)
		if err != nil {
			return Value{OK: false}, nil //nolint:nilerr
		}

		if repo.HasCommit(want) {
			return Value{OK: true, Hash: want, Hit: true}, nil
		}

		for _, url := range append([]string{req.RemoteURL}, req.Mirrors...) {
			if url == "" {
				continue
			}

			commitHash, fetchErr := repo.FetchCommit(url, req.Branch, want)
			if fetchErr == nil {
				return Value{OK: true, Hash: commitHash}, nil
			}
		}

		return Value{OK: false}, nil

	default:
		return Value{OK: false}, fmt.Errorf("gitops: unknown op type %v", req.Key.OpType)
	}
}
