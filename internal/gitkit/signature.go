package gitkit

import "time"

// Signature identifies the author/committer recorded on commits. The
// commits this orchestrator creates are synthetic anchors for cache
// repositories, so most callers take DefaultSignature rather than
// threading a real identity through.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// IsZero reports whether sig carries no identity at all.
func (sig Signature) IsZero() bool {
	return sig.Name == "" && sig.Email == "" && sig.When.IsZero()
}

// DefaultSignature is the identity stamped on synthetic cache commits when
// the caller supplies none.
func DefaultSignature(now time.Time) Signature {
	return Signature{Name: "mrsetup", Email: "mrsetup@localhost", When: now}
}
