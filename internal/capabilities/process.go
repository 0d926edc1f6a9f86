package capabilities

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Process is the allowlisted command-execution capability (spec
// §4.7): bare command names only, with a defense-in-depth set of
// rejections for path separators, shell metacharacters, script-eval
// flags, and homoglyph bypass via NFKC normalization.
type Process struct {
	mu         sync.RWMutex
	allowed    map[string]struct{}
	maxTimeout time.Duration
}

// NewProcess builds a Process capability allowlisting exactly the
// given bare command names.
func NewProcess(allowed []string, maxTimeout time.Duration) *Process {
	m := make(map[string]struct{}, len(allowed))
	for _, c := range allowed {
		m[c] = struct{}{}
	}
	if maxTimeout <= 0 || maxTimeout > 120*time.Second {
		maxTimeout = 120 * time.Second
	}
	return &Process{allowed: m, maxTimeout: maxTimeout}
}

func (p *Process) Kind() Kind { return KindProcess }

// lineSeparator and paragraphSeparator are U+2028 / U+2029 — rejected
// alongside the ASCII shell metacharacters per spec §4.7.
const (
	lineSeparator      = rune(0x2028)
	paragraphSeparator = rune(0x2029)
)

var shellMetacharacters = []string{"$(", "`", "|", ";", "&&", "||", "\n"}

var scriptEvalFlags = map[string]struct{}{
	"-c": {}, "-e": {}, "-r": {},
}

// validate applies the rejection rules from spec §4.7, after
// Unicode-NFKC normalization to prevent homoglyph bypass.
func validate(allowed map[string]struct{}, name string, args []string) error {
	normalized := norm.NFKC.String(name)
	if strings.ContainsAny(normalized, `/\`) {
		return fmt.Errorf("capabilities: command %q must be a bare name, no path separators", name)
	}
	if _, ok := allowed[normalized]; !ok {
		return fmt.Errorf("capabilities: command %q is not allowlisted", name)
	}
	for _, arg := range args {
		na := norm.NFKC.String(arg)
		for _, meta := range shellMetacharacters {
			if strings.Contains(na, meta) {
				return fmt.Errorf("capabilities: argument contains forbidden shell metacharacter: %q", meta)
			}
		}
		if containsForbiddenControl(na) {
			return fmt.Errorf("capabilities: argument contains a forbidden control or line-separator character")
		}
		if _, ok := scriptEvalFlags[na]; ok {
			return fmt.Errorf("capabilities: argument %q is a disallowed script-eval flag", na)
		}
	}
	return nil
}

func containsForbiddenControl(s string) bool {
	for _, r := range s {
		if r == lineSeparator || r == paragraphSeparator {
			return true
		}
		if unicode.IsControl(r) && r != '\t' {
			return true
		}
	}
	return false
}

// Run executes an allowlisted command with the given arguments, capped
// at the capability's configured timeout (spec §5: "120 s by the
// process-execution capability").
func (p *Process) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	p.mu.RLock()
	allowed := p.allowed
	p.mu.RUnlock()

	if err := validate(allowed, name, args); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, p.maxTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, norm.NFKC.String(name), args...)
	return cmd.CombinedOutput()
}
