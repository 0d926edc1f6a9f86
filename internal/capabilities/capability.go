// Package capabilities implements the sandboxed resource handles
// issued to plugins at permission-grant time (spec §4.7): a
// host-allowlisted network client, a base-directory-rooted filesystem
// scope, and an allowlisted process executor.
package capabilities

// Kind identifies which sum-type variant a Capability is, so a plugin
// runtime bridge can route on_capability_injected calls without a type
// switch leaking into every caller.
type Kind int

const (
	KindNetwork Kind = iota
	KindFile
	KindProcess
)

// Capability is the sum type delivered at permission-grant time.
// Injection MUST be idempotent: a plugin may receive the same
// capability more than once (e.g. re-grant after a config reload) and
// must tolerate it silently.
type Capability interface {
	Kind() Kind
}
