package policy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gw/aegis/pkg/config"
)

func writePack(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func newTestStore(t *testing.T, dir, mode string, defaults ...string) *Store {
	t.Helper()
	if len(defaults) == 0 {
		defaults = []string{"default"}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(config.PolicyConfig{
		RulesDir:     dir,
		DefaultPacks: defaults,
		EnforceMode:  mode,
	}, nil, logger)
}

const defaultPack = `
name: default
version: "1.0.0"
rules:
  - id: openai-key
    pattern: '\bsk-[A-Za-z0-9]{16,}\b'
    action: redact
    replacement: "[REDACTED:OPENAI_KEY]"
    tag: OPENAI_KEY
  - id: rm-rf
    pattern: 'rm\s+-rf\s+/'
    action: deny
`

func TestReloadAndMatch(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", defaultPack)
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())

	pol := s.Current()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), pol.Version)
	require.Len(t, pol.Rules, 2)
	assert.True(t, pol.Rules[0].Regexp.MatchString("key sk-abcdefghijklmnop1234"))
}

func TestVersionDeterminismAndOrderSensitivity(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "a.yaml", "name: a\nrules:\n  - {id: r1, pattern: x, action: deny}\n")
	writePack(t, dir, "b.yaml", "name: b\nrules:\n  - {id: r2, pattern: y, action: deny}\n")
	s := newTestStore(t, dir, "warn", "a", "b")
	require.NoError(t, s.Reload())

	_, v1, refs, err := s.MergedPolicy([]string{"a", "b"})
	require.NoError(t, err)
	_, v2, _, err := s.MergedPolicy([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "identical input must version identically")
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].Name)

	_, v3, _, err := s.MergedPolicy([]string{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3, "pack order is part of the version")
}

func TestBindingLookupAndFallback(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", defaultPack)
	writePack(t, dir, "strict.yaml", "name: strict\nrules:\n  - {id: all, pattern: '.+', action: deny}\n")
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())

	b, err := s.Bind("acme", "support", []string{"strict"})
	require.NoError(t, err)
	assert.Equal(t, "strict", b.RulesPath)
	assert.NotEmpty(t, b.PolicyVersion)

	bound := s.GetFor("acme", "support")
	require.Len(t, bound.Rules, 1)
	assert.Equal(t, "all", bound.Rules[0].ID)

	assert.Same(t, s.Current(), s.GetFor("acme", "other"), "miss falls back to the default policy")

	assert.True(t, s.Unbind("acme", "support"))
	assert.False(t, s.Unbind("acme", "support"))
	assert.Same(t, s.Current(), s.GetFor("acme", "support"))
}

func TestBlockModeRejectsBadPackAndKeepsOld(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", defaultPack)
	s := newTestStore(t, dir, "block")
	require.NoError(t, s.Reload())
	oldVersion := s.Current().Version

	writePack(t, dir, "default.yaml", "name: default\nrules:\n  - {id: bad, pattern: '([', action: deny}\n")
	require.Error(t, s.Reload())
	assert.Equal(t, oldVersion, s.Current().Version, "failed reload must keep the old document")
}

func TestWarnModeLoadsAndDropsBadRule(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", `
name: default
rules:
  - {id: bad, pattern: '([', action: deny}
  - {id: good, pattern: ok, action: deny}
`)
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())
	require.Len(t, s.Current().Rules, 1)
	assert.Equal(t, "good", s.Current().Rules[0].ID)
}

func TestMissingDefaultPackBlocksReload(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "other.yaml", "name: other\nrules: []\n")
	s := newTestStore(t, dir, "warn")
	require.Error(t, s.Reload())
}

func TestDuplicateIDsAcrossMergedPacks(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "a.yaml", "name: a\nrules:\n  - {id: shared, pattern: x, action: deny}\n")
	writePack(t, dir, "b.yaml", "name: b\nrules:\n  - {id: shared, pattern: y, action: deny}\n")
	s := newTestStore(t, dir, "warn", "a", "b")
	require.Error(t, s.Reload())
}

func TestDuplicatePackNameBlocksReload(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "a.yaml", "name: same\nrules: []\n")
	writePack(t, dir, "b.yaml", "name: same\nrules: []\n")
	s := newTestStore(t, dir, "warn", "same")
	require.Error(t, s.Reload())
}

func TestWhenConditionFiltersRules(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", `
name: default
rules:
  - {id: everyone, pattern: x, action: deny}
  - {id: acme-only, pattern: y, action: deny, when: "tenant == 'acme'"}
  - {id: flagged, pattern: z, action: deny, when: "'bidi' in flags"}
`)
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())
	pol := s.Current()

	live := pol.RulesFor(RuleContext{Tenant: "acme", Flags: []string{"bidi"}})
	require.Len(t, live, 3)

	live = pol.RulesFor(RuleContext{Tenant: "other"})
	require.Len(t, live, 1)
	assert.Equal(t, "everyone", live[0].ID)
}

func TestReloadRebindsExistingBindings(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "strict.yaml", "name: strict\nrules:\n  - {id: a, pattern: x, action: deny}\n")
	writePack(t, dir, "default.yaml", "name: default\nrules: []\n")
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())
	b, err := s.Bind("t", "b", []string{"strict"})
	require.NoError(t, err)

	writePack(t, dir, "strict.yaml", "name: strict\nrules:\n  - {id: a, pattern: x, action: deny}\n  - {id: b, pattern: y, action: deny}\n")
	require.NoError(t, s.Reload())

	bindings := s.ListBindings()
	require.Len(t, bindings, 1)
	assert.NotEqual(t, b.PolicyVersion, bindings[0].PolicyVersion, "reload recomputes bound versions")
	assert.Len(t, s.GetFor("t", "b").Rules, 2)
}

func TestValidateMergedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", defaultPack)
	s := newTestStore(t, dir, "warn")
	require.NoError(t, s.Reload())

	r := s.ValidateText([]byte(defaultPack))
	assert.Equal(t, statusOK, r.Status)
}

func TestGatewayVersionGateOnLoad(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "default.yaml", "name: default\nmin_gateway_version: \"99.0.0\"\nrules: []\n")
	s := newTestStore(t, dir, "block")
	require.Error(t, s.Reload())

	s2 := newTestStore(t, dir, "block").WithGatewayVersion("99.1.0")
	require.NoError(t, s2.Reload())
}

func TestEmptyStoreHasUsablePolicy(t *testing.T) {
	s := newTestStore(t, t.TempDir(), "warn")
	pol := s.Current()
	require.NotNil(t, pol)
	assert.Empty(t, pol.Rules)
	assert.Len(t, pol.Version, 64)
}
