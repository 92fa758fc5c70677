package reposetup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/forgeline/mrsetup/internal/asyncmap"
	"github.com/forgeline/mrsetup/internal/fieldreader"
	"github.com/forgeline/mrsetup/internal/hashfacade"
	"github.com/forgeline/mrsetup/internal/opcache"
	"github.com/forgeline/mrsetup/internal/rootmaps"
	"github.com/forgeline/mrsetup/internal/storage"
	"github.com/forgeline/mrsetup/pkg/toposort"
)

// CycleError reports a "repository.<alias>" chain that loops back on
// itself.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("reposetup: repository alias cycle: %v", e.Chain)
}

// Stats holds run-wide counters, updated once per repository as
// its root map result comes back.
type Stats struct {
	CacheHits  int64
	Executed   int64
	LocalPaths int64
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		CacheHits:  atomic.LoadInt64(&s.CacheHits),
		Executed:   atomic.LoadInt64(&s.Executed),
		LocalPaths: atomic.LoadInt64(&s.LocalPaths),
	}
}

// Config is one resolved repository's output entry: the take-over fields
// copied verbatim from input, plus the workspace_root this package computed.
type Config map[string]any

// Output is the resolved output document.
type Output struct {
	Main         string            `json:"main"`
	Repositories map[string]Config `json:"repositories"`
}

// Map is the top-level repos-to-setup map: an
// AsyncMapConsumer[string, Config] keyed by repository name, dispatching
// each one to internal/rootmaps by declared type.
type Map struct {
	pool *asyncmap.TaskPool
	root *rootmaps.Map
	doc  *Document

	inner *asyncmap.AsyncMapConsumer[string, Config]

	Stats Stats

	// ops, when set, records one long-running-operation entry per
	// repository so the driver can checkpoint what was in flight.
	ops     *opcache.Cache
	opsMu   sync.Mutex
	opNames map[string]string

	resultsMu sync.Mutex
	results   map[string]Config

	aliasMu    sync.Mutex
	aliasGraph *toposort.Graph
}

// SetOpCache installs an operation cache recording per-repository setup
// progress. Must be called before Run.
func (m *Map) SetOpCache(c *opcache.Cache) { m.ops = c }

// CacheHits reports the number of repositories whose root came out of the
// tree cache, for metric export.
func (m *Map) CacheHits() int64 { return atomic.LoadInt64(&m.Stats.CacheHits) }

// CacheMisses reports the number of repositories whose root had to be
// materialized fresh, for metric export.
func (m *Map) CacheMisses() int64 { return atomic.LoadInt64(&m.Stats.Executed) }

// New creates a repos-to-setup map over doc, dispatching materialization
// work to rootMap.
func New(pool *asyncmap.TaskPool, rootMap *rootmaps.Map, doc *Document) *Map {
	m := &Map{
		pool:       pool,
		root:       rootMap,
		doc:        doc,
		opNames:    make(map[string]string),
		results:    make(map[string]Config),
		aliasGraph: toposort.NewGraph(),
	}
	m.inner = asyncmap.New(pool, m.compute)

	return m
}

// Run resolves every repository reachable from doc.Main — through bindings,
// aliases, distdir members, and computed/tree-structure references — in one
// fan-out, blocking the calling goroutine until the whole set has settled.
// This is the one synchronous wait point in the orchestrator, performed by
// the driver rather than a pool worker.
func (m *Map) Run(ctx context.Context) (*Output, error) {
	if m.doc.Main == "" {
		return nil, fmt.Errorf("reposetup: no repositories configured")
	}

	type outcome struct {
		err error
	}

	done := make(chan outcome, 1)

	m.inner.ConsumeAfterKeysReady(m.doc.Reachable(), func([]Config) {
		done <- outcome{}
	}, func(msg string, fatal bool) {
		if fatal {
			done <- outcome{err: fmt.Errorf("reposetup: %s", msg)}
		}
	})

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.resultsMu.Lock()
	repos := make(map[string]Config, len(m.results))

	for name, cfg := range m.results {
		repos[name] = cfg
	}

	m.resultsMu.Unlock()

	return &Output{Main: m.doc.Main, Repositories: repos}, nil
}

// resolveRepositoryBlock follows name's `repository` field through any
// number of bare-string aliases until it lands on a typed object, detecting
// cycles with a visit-set fixed point.
func (m *Map) resolveRepositoryBlock(name string) (map[string]any, error) {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()

	m.aliasGraph.AddNode(name)

	seen := map[string]bool{name: true}
	current := name

	for {
		entry, ok := m.doc.Repositories[current]
		if !ok {
			return nil, fmt.Errorf("reposetup: %s: repository %q not configured", name, current)
		}

		if block, ok := entry.repositoryBlock(); ok {
			return block, nil
		}

		alias, ok := entry.repositoryAlias()
		if !ok {
			return nil, fmt.Errorf("reposetup: %s: repository field is neither an object nor a string", current)
		}

		m.aliasGraph.AddEdge(current, alias)

		if cyc := m.aliasGraph.FindCycle(name); len(cyc) > 0 {
			return nil, &CycleError{Chain: cyc}
		}

		if seen[alias] {
			return nil, &CycleError{Chain: []string{name, alias}}
		}

		seen[alias] = true
		current = alias
	}
}

func (m *Map) compute(
	_ *asyncmap.TaskPool,
	setter asyncmap.Setter[Config],
	errorLogger asyncmap.ErrorLogger,
	subcaller asyncmap.Subcaller[string, Config],
	repoName string,
) {
	if m.ops != nil {
		name := m.ops.NewOperation(repoName)

		m.opsMu.Lock()
		m.opNames[repoName] = name
		m.opsMu.Unlock()

		orig := errorLogger
		errorLogger = func(msg string, fatal bool) {
			if fatal {
				m.ops.MarkDone(name, nil, fmt.Errorf("reposetup: %s: %s", repoName, msg))
			}

			orig(msg, fatal)
		}
	}

	block, err := m.resolveRepositoryBlock(repoName)
	if err != nil {
		errorLogger(err.Error(), true)

		return
	}

	reader := fieldreader.New(block, repoName, fieldreader.ErrorLogger(errorLogger))

	typ, ok := reader.ReadString("type")
	if !ok {
		errorLogger(fmt.Sprintf("reposetup: %s: missing or invalid %q field", repoName, "type"), true)

		return
	}

	kind, ok := kindForType(typ)
	if !ok {
		errorLogger(fmt.Sprintf("reposetup: %s: unknown repository type %q", repoName, typ), true)

		return
	}

	if !reader.ExpectFields(mandatoryFields(typ)) {
		return
	}

	req, handled := m.buildRequest(repoName, kind, block, reader, subcaller, errorLogger, setter)
	if handled {
		return
	}

	m.root.Submit(req, func(res rootmaps.Result) {
		m.finish(repoName, res, setter)
	}, errorLogger)
}

// buildRequest fills in a rootmaps.Request from block's fields. For
// distdir and computed/tree-structure types it also resolves member /
// referenced repositories through this same map via subcaller first,
// since rootmaps needs their Request already registered (distdir) or
// their setup already complete (computed) before it can proceed.
// Returns handled=true when it has already dispatched asynchronously
// (distdir, computed), or when a field read failed and the reader has
// already logged the fatal error — the caller must not also call
// m.root.Submit.
func (m *Map) buildRequest(
	repoName string,
	kind rootmaps.Kind,
	block map[string]any,
	reader *fieldreader.Reader,
	subcaller asyncmap.Subcaller[string, Config],
	errorLogger asyncmap.ErrorLogger,
	setter asyncmap.Setter[Config],
) (req rootmaps.Request, handled bool) {
	pragma := readPragma(block)

	req = rootmaps.Request{
		Info:   rootmaps.Info{RepoName: repoName, Kind: kind},
		Pragma: pragma,
	}

	switch kind {
	case rootmaps.KindFile:
		path, _ := reader.ReadString("path")
		req.Path = path

	case rootmaps.KindArchive, rootmaps.KindZip, rootmaps.KindForeignFile:
		content, _ := reader.ReadString("content")
		fetch, _ := reader.ReadString("fetch")
		mirrors, _ := reader.ReadStringList("mirrors")
		distfile, _ := reader.ReadString("distfile")
		sha256Hex, _ := reader.ReadString("sha256")
		sha512Hex, _ := reader.ReadString("sha512")
		subdir, _ := reader.ReadString("subdir")

		req.ContentHash = content
		req.ContentScheme = hashfacade.GIT
		req.FetchURL = fetch
		req.Mirrors = mirrors
		req.Distfile = distfile
		req.SHA256Hex = sha256Hex
		req.SHA512Hex = sha512Hex
		req.Subdir = subdir

		if kind == rootmaps.KindForeignFile {
			name, _ := reader.ReadString("name")
			req.ForeignName = name
			req.Executable = reader.ReadBool("executable", false)
		}

	case rootmaps.KindGitCommit:
		commit, _ := reader.ReadString("commit")
		repoURL, _ := reader.ReadString("repository")
		branch, _ := reader.ReadString("branch")
		mirrors, _ := reader.ReadStringList("mirrors")
		subdir, _ := reader.ReadString("subdir")

		req.CommitHex = commit
		req.RepositoryURL = repoURL
		req.Branch = branch
		req.Mirrors = mirrors
		req.Subdir = subdir

	case rootmaps.KindTreeID:
		id, _ := reader.ReadString("id")
		cmd, _ := reader.ReadStringList("cmd")
		inheritEnv, _ := reader.ReadStringList("inherit env")
		env := readStringMap(block["env"])

		req.ExpectedTreeID = id
		req.Cmd = cmd
		req.InheritEnv = inheritEnv
		req.Env = env

	case rootmaps.KindDistdir:
		members, _ := reader.ReadStringList("repositories")
		req.Members = members

		memberKeys := make([]string, len(members))
		copy(memberKeys, members)

		subcaller(memberKeys, func([]Config) {
			m.root.Submit(req, func(res rootmaps.Result) {
				m.finish(repoName, res, setter)
			}, errorLogger)
		}, errorLogger)

		return req, true

	case rootmaps.KindComputed, rootmaps.KindTreeStructure:
		refRepo, _ := reader.ReadString("repo")
		req.RefRepo = refRepo

		if kind == rootmaps.KindComputed {
			target, _ := reader.ReadString("target")
			req.RefTarget = target
			req.RefConfig = reader.ReadOptionalExpression("config", nil)
		}

		subcaller([]string{refRepo}, func([]Config) {
			m.root.Submit(req, func(res rootmaps.Result) {
				m.finish(repoName, res, setter)
			}, errorLogger)
		}, errorLogger)

		return req, true
	}

	if reader.Failed() {
		return req, true
	}

	return req, false
}

// finish assembles the output Config for repoName from res and the entry's
// take-over fields, updates statistics, records the result for Run's final
// assembly, and calls setter.
func (m *Map) finish(repoName string, res rootmaps.Result, setter asyncmap.Setter[Config]) {
	entry := m.doc.Repositories[repoName]

	cfg := Config{"workspace_root": []any(res.Root)}

	for _, field := range takeOverFields {
		if v, ok := entry.Raw[field]; ok {
			cfg[field] = v
		}
	}

	if res.CacheHit {
		atomic.AddInt64(&m.Stats.CacheHits, 1)
	} else {
		atomic.AddInt64(&m.Stats.Executed, 1)
	}

	if tag, ok := res.Root[0].(string); ok && strings.HasPrefix(tag, "file") {
		atomic.AddInt64(&m.Stats.LocalPaths, 1)
	}

	m.resultsMu.Lock()
	m.results[repoName] = cfg
	m.resultsMu.Unlock()

	if m.ops != nil {
		m.opsMu.Lock()
		name := m.opNames[repoName]
		m.opsMu.Unlock()

		m.ops.MarkDone(name, cfg, nil)
	}

	setter(cfg)
}

func kindForType(typ string) (rootmaps.Kind, bool) {
	switch typ {
	case "file":
		return rootmaps.KindFile, true
	case "archive":
		return rootmaps.KindArchive, true
	case "zip":
		return rootmaps.KindZip, true
	case "foreign file":
		return rootmaps.KindForeignFile, true
	case "git":
		return rootmaps.KindGitCommit, true
	case "distdir":
		return rootmaps.KindDistdir, true
	case "git tree":
		return rootmaps.KindTreeID, true
	case "computed":
		return rootmaps.KindComputed, true
	case "tree structure":
		return rootmaps.KindTreeStructure, true
	default:
		return 0, false
	}
}

// mandatoryFields returns mandatory field names for typ.
func mandatoryFields(typ string) []string {
	switch typ {
	case "file":
		return []string{"path"}
	case "archive", "zip":
		return []string{"content", "fetch"}
	case "foreign file":
		return []string{"content", "fetch", "name"}
	case "git":
		return []string{"commit", "repository", "branch"}
	case "distdir":
		return []string{"repositories"}
	case "git tree":
		return []string{"id", "cmd"}
	case "computed":
		return []string{"repo", "target", "config"}
	case "tree structure":
		return []string{"repo"}
	default:
		return nil
	}
}

func readPragma(block map[string]any) rootmaps.Pragma {
	p := rootmaps.Pragma{}

	raw, ok := block["pragma"].(map[string]any)
	if !ok {
		return p
	}

	if special, ok := raw["special"].(string); ok {
		p.Special = special
	}

	if absent, ok := raw["absent"].(bool); ok {
		p.Absent = absent
	}

	if toGit, ok := raw["to_git"].(bool); ok {
		p.ToGit = toGit
	}

	return p
}

func readStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string]string, len(raw))

	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}

	return out
}

// WriteToCAS marshals out as canonical JSON, stores it in local CAS, and
// returns its content hash.
func WriteToCAS(local *storage.CAS, out *Output) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("reposetup: marshal output: %w", err)
	}

	hex, err := local.Put(data)
	if err != nil {
		return "", fmt.Errorf("reposetup: store output: %w", err)
	}

	return hex, nil
}
