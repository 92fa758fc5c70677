// Package reposetup implements the top-level repos-to-setup
// map. Its compute function looks up one repository name's configuration,
// resolves "repository.<alias>" delegation, dispatches to the matching
// root map (internal/rootmaps), and assembles the final per-repository
// config by copying take-over fields verbatim from input.
package reposetup

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/forgeline/mrsetup/internal/fieldreader"
)

// documentSchema is the structural pre-check run before any field-level
// validation: the top level must be an object carrying a `repositories`
// object of objects and, optionally, a string `main`. Per-type field
// requirements are enforced later by the field reader, which produces
// better-scoped messages than a schema violation would.
const documentSchema = `{
	"type": "object",
	"properties": {
		"main": {"type": "string"},
		"repositories": {
			"type": "object",
			"additionalProperties": {"type": "object"}
		}
	},
	"required": ["repositories"]
}`

// takeOverFields are kTakeOver fields: copied
// unchanged from input to output alongside the workspace_root this package
// computes.
var takeOverFields = []string{
	"target_root",
	"rule_root",
	"expression_root",
	"target_file_name",
	"rule_file_name",
	"expression_file_name",
	"bindings",
}

// Document is input configuration: a `repositories` object
// keyed by repo name, plus an optional explicit `main`.
type Document struct {
	Main         string
	Repositories map[string]*Entry
}

// Entry is one `repositories[name]` value: the nested `repository` block
// (a type-tagged object, or a bare string naming another repository to
// delegate to — "repository.<alias>" case) plus whatever
// take-over fields were present, kept raw so they round-trip unchanged.
type Entry struct {
	RepositoryRaw json.RawMessage
	Raw           map[string]any
}

// ParseDocument parses top-level JSON configuration, schema-checking its
// overall shape first.
func ParseDocument(data []byte) (*Document, error) {
	if err := fieldreader.ValidateAgainstSchema([]byte(documentSchema), data); err != nil {
		return nil, err
	}

	var raw struct {
		Main         string                     `json:"main"`
		Repositories map[string]json.RawMessage `json:"repositories"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("reposetup: parse document: %w", err)
	}

	doc := &Document{
		Main:         raw.Main,
		Repositories: make(map[string]*Entry, len(raw.Repositories)),
	}

	for name, entryRaw := range raw.Repositories {
		var fields map[string]any
		if err := json.Unmarshal(entryRaw, &fields); err != nil {
			return nil, fmt.Errorf("reposetup: repositories.%s: %w", name, err)
		}

		repoRaw, _ := json.Marshal(fields["repository"])

		doc.Repositories[name] = &Entry{
			RepositoryRaw: repoRaw,
			Raw:           fields,
		}
	}

	if doc.Main == "" {
		doc.Main = smallestKey(doc.Repositories)
	}

	return doc, nil
}

// smallestKey returns the lexicographically smallest key of m, or "" if m
// is empty — "main defaults to the lexicographically smallest
// repo name in the reachable set" rule, applied here over every configured
// name since reachability is only known once resolution starts.
func smallestKey(m map[string]*Entry) string {
	if len(m) == 0 {
		return ""
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names[0]
}

// Reachable returns the sorted set of repository names reachable from Main:
// Main itself, then transitively everything referenced through bare-string
// aliases, `bindings` values, distdir member lists, and computed /
// tree-structure `repo` references. Names that are referenced but not
// configured are included — their resolution is what reports the error.
func (d *Document) Reachable() []string {
	seen := map[string]bool{}
	queue := []string{d.Main}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if seen[name] {
			continue
		}

		seen[name] = true

		entry, ok := d.Repositories[name]
		if !ok {
			continue
		}

		queue = append(queue, entry.references()...)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// references returns every repository name this entry points at.
func (e *Entry) references() []string {
	var out []string

	if alias, ok := e.repositoryAlias(); ok {
		out = append(out, alias)
	}

	if bindings, ok := e.Raw["bindings"].(map[string]any); ok {
		for _, v := range bindings {
			if target, ok := v.(string); ok {
				out = append(out, target)
			}
		}
	}

	block, ok := e.repositoryBlock()
	if !ok {
		return out
	}

	if members, ok := block["repositories"].([]any); ok {
		for _, v := range members {
			if member, ok := v.(string); ok {
				out = append(out, member)
			}
		}
	}

	if ref, ok := block["repo"].(string); ok {
		out = append(out, ref)
	}

	return out
}

// repositoryBlock returns name's `repository` field decoded as an object
// (typed repo block), or (nil, false) when it is instead a bare string
// (another repository's name to delegate to).
func (e *Entry) repositoryBlock() (map[string]any, bool) {
	var block map[string]any
	if err := json.Unmarshal(e.RepositoryRaw, &block); err != nil {
		return nil, false
	}

	return block, true
}

// repositoryAlias returns the bare-string alias target of name's
// `repository` field, or ("", false) if it is an object instead.
func (e *Entry) repositoryAlias() (string, bool) {
	var alias string
	if err := json.Unmarshal(e.RepositoryRaw, &alias); err != nil {
		return "", false
	}

	return alias, true
}
