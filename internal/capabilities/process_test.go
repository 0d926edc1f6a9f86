package capabilities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_RunAllowsAllowlistedCommand(t *testing.T) {
	p := NewProcess([]string{"echo"}, time.Second)

	out, err := p.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")
}

func TestProcess_RunRejectsNonAllowlistedCommand(t *testing.T) {
	p := NewProcess([]string{"echo"}, time.Second)

	_, err := p.Run(context.Background(), "cat", "/etc/passwd")
	assert.Error(t, err)
}

func TestValidate_RejectsPathSeparators(t *testing.T) {
	allowed := map[string]struct{}{"echo": {}}
	err := validate(allowed, "/bin/echo", nil)
	assert.Error(t, err)

	err = validate(allowed, `..\echo`, nil)
	assert.Error(t, err)
}

func TestValidate_RejectsShellMetacharacters(t *testing.T) {
	allowed := map[string]struct{}{"echo": {}}
	for _, meta := range []string{"$(whoami)", "`whoami`", "a|b", "a;b", "a&&b"} {
		err := validate(allowed, "echo", []string{meta})
		assert.Errorf(t, err, "expected rejection for metacharacter payload %q", meta)
	}
}

func TestValidate_RejectsScriptEvalFlags(t *testing.T) {
	allowed := map[string]struct{}{"python": {}}
	err := validate(allowed, "python", []string{"-c", "import os"})
	assert.Error(t, err)
}

func TestValidate_RejectsControlAndLineSeparatorChars(t *testing.T) {
	allowed := map[string]struct{}{"echo": {}}
	err := validate(allowed, "echo", []string{string(rune(0x2028))})
	assert.Error(t, err)

	err = validate(allowed, "echo", []string{"a\x00b"})
	assert.Error(t, err)
}

func TestValidate_NFKCNormalizationCatchesHomoglyphBypass(t *testing.T) {
	allowed := map[string]struct{}{"echo": {}}
	// U+FF45 (fullwidth 'e') NFKC-normalizes to ASCII 'e', so "ｅcho"
	// collapses to the allowlisted "echo" rather than slipping past it
	// as a distinct, non-allowlisted name.
	err := validate(allowed, "ｅcho", nil)
	assert.NoError(t, err)
}

func TestValidate_AcceptsAllowlistedBareCommand(t *testing.T) {
	allowed := map[string]struct{}{"echo": {}}
	assert.NoError(t, validate(allowed, "echo", []string{"safe arg"}))
}

func TestNewProcess_ClampsTimeoutDefaults(t *testing.T) {
	p := NewProcess(nil, 0)
	assert.Equal(t, 120*time.Second, p.maxTimeout)

	p = NewProcess(nil, 10*time.Minute)
	assert.Equal(t, 120*time.Second, p.maxTimeout)
}
