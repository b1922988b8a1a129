package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aegis-gw/aegis/pkg/canonicalize"
	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

// GatewayVersion gates packs that declare min_gateway_version.
const GatewayVersion = "1.4.0"

// Reload rejection reasons, used as the policy_reload_blocked_total label.
const (
	blockedReadDir       = "read_dir"
	blockedLint          = "lint"
	blockedDuplicatePack = "duplicate_pack"
	blockedMissingPack   = "missing_pack"
	blockedCompile       = "compile"
)

var errMergedInvalid = errors.New("merged document invalid")

type boundPolicy struct {
	binding contracts.Binding
	packs   []string
	policy  *Policy
}

// Store owns the loaded packs, the merged default policy, and the
// per-(tenant, bot) bindings. The merged policy is swapped atomically on
// reload so hot-path readers never lock.
type Store struct {
	mu             sync.RWMutex
	dir            string
	defaultPacks   []string
	enforceMode    string
	gatewayVersion string
	packs          map[string]*Pack
	bindings       map[string]*boundPolicy
	current        atomic.Pointer[Policy]
	metrics        *metrics.Registry
	logger         *slog.Logger
}

// NewStore builds an empty store; call Reload to load packs from disk.
// reg may be nil in tests.
func NewStore(cfg config.PolicyConfig, reg *metrics.Registry, logger *slog.Logger) *Store {
	s := &Store{
		dir:            cfg.RulesDir,
		defaultPacks:   cfg.DefaultPacks,
		enforceMode:    cfg.EnforceMode,
		gatewayVersion: GatewayVersion,
		packs:          make(map[string]*Pack),
		bindings:       make(map[string]*boundPolicy),
		metrics:        reg,
		logger:         logger.With("component", "policy"),
	}
	s.current.Store(&Policy{Version: emptyVersion()})
	return s
}

// WithGatewayVersion overrides the build version. Test seam.
func (s *Store) WithGatewayVersion(v string) *Store {
	s.gatewayVersion = v
	return s
}

// EnforceMode returns warn or block.
func (s *Store) EnforceMode() string { return s.enforceMode }

// Current returns the merged default policy. Never nil.
func (s *Store) Current() *Policy { return s.current.Load() }

// ValidateText lints one pack document without loading it.
func (s *Store) ValidateText(yamlText []byte) Report {
	r, _ := Validate(yamlText, s.gatewayVersion)
	return r
}

// Reload re-reads every pack in the rules directory and atomically swaps
// the merged default policy and every binding's policy. On failure the old
// state stays live and policy_reload_blocked_total is incremented.
func (s *Store) Reload() error {
	packs, err := s.loadDir()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.packs
	s.packs = packs
	next, err := s.buildLocked(s.defaultPacks)
	if err != nil {
		s.packs = prev
		return err
	}

	rebound := make(map[string]*boundPolicy, len(s.bindings))
	for key, bp := range s.bindings {
		np, err := s.buildLocked(bp.packs)
		if err != nil {
			// Keep the binding live on its old policy rather than
			// dropping traffic for a pack that vanished.
			s.logger.Warn("binding kept stale policy after reload",
				"tenant", bp.binding.Tenant, "bot", bp.binding.Bot, "error", err)
			rebound[key] = bp
			continue
		}
		nb := *bp
		nb.policy = np
		nb.binding.PolicyVersion = np.Version
		rebound[key] = &nb
	}
	s.bindings = rebound
	s.current.Store(next)
	s.logger.Info("policy reloaded",
		"packs", len(packs), "rules", len(next.Rules), "version", next.Version)
	return nil
}

// loadDir reads and lints every *.yaml/*.yml pack in the rules directory.
func (s *Store) loadDir() (map[string]*Pack, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, s.blocked(blockedReadDir, fmt.Errorf("read rules dir %s: %w", s.dir, err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	packs := make(map[string]*Pack, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, s.blocked(blockedReadDir, fmt.Errorf("read pack %s: %w", name, err))
		}
		report, pack := Validate(raw, s.gatewayVersion)
		for _, is := range report.Issues {
			if is.Severity == SeverityWarning {
				s.logger.Warn("pack lint warning",
					"pack", name, "code", is.Code, "path", is.Path, "msg", is.Message)
			}
		}
		if report.HasErrors() {
			if s.enforceMode == "block" {
				return nil, s.blocked(blockedLint,
					fmt.Errorf("pack %s failed lint: %s", name, firstError(report)))
			}
			s.logger.Warn("pack has lint errors, loading anyway",
				"pack", name, "first", firstError(report))
		}
		if pack == nil {
			continue
		}
		pack.Hash = canonicalize.HashBytes(raw)
		pack.Path = path
		if _, dup := packs[pack.Name]; dup {
			return nil, s.blocked(blockedDuplicatePack,
				fmt.Errorf("pack name %q defined twice", pack.Name))
		}
		packs[pack.Name] = pack
	}
	return packs, nil
}

// MergedPolicy deterministically merges the named packs. Identical input
// produces an identical document and version; order matters.
func (s *Store) MergedPolicy(names []string) (Document, string, []PackRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.mergeLocked(names)
	if err != nil {
		return Document{}, "", nil, err
	}
	version, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return Document{}, "", nil, err
	}
	return doc, version, doc.Packs, nil
}

func (s *Store) mergeLocked(names []string) (Document, error) {
	doc := Document{Packs: []PackRef{}, Rules: []Rule{}}
	for _, name := range names {
		p, ok := s.packs[name]
		if !ok {
			return doc, fmt.Errorf("pack %q not loaded", name)
		}
		doc.Packs = append(doc.Packs, PackRef{Name: p.Name, Version: p.Version, Hash: p.Hash})
		doc.Rules = append(doc.Rules, p.Rules...)
	}
	if issues := mergedIssues(doc.Rules); len(issues) > 0 {
		return doc, fmt.Errorf("%w: %s", errMergedInvalid, issues[0].Message)
	}
	return doc, nil
}

// buildLocked merges and compiles the named packs. Caller holds the mutex.
func (s *Store) buildLocked(names []string) (*Policy, error) {
	doc, err := s.mergeLocked(names)
	if err != nil {
		reason := blockedMissingPack
		if errors.Is(err, errMergedInvalid) {
			reason = blockedLint
		}
		return nil, s.blocked(reason, err)
	}
	version, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, s.blocked(blockedCompile, err)
	}
	compiled, err := compileRules(doc.Rules, s.enforceMode == "block")
	if err != nil {
		return nil, s.blocked(blockedCompile, err)
	}
	return &Policy{Doc: doc, Version: version, Rules: compiled}, nil
}

// compileRules compiles regexes and when: programs. In strict mode any
// failure aborts; otherwise the offending rule is dropped.
func compileRules(rules []Rule, strict bool) ([]CompiledRule, error) {
	out := make([]CompiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			if strict {
				return nil, err
			}
			continue
		}
		out = append(out, cr)
	}
	return out, nil
}

// Compile builds a single CompiledRule outside a store load. Used by
// admin tooling and detector tests.
func Compile(rule Rule) (CompiledRule, error) { return compileRule(rule) }

func compileRule(rule Rule) (CompiledRule, error) {
	if rule.Pattern == "" {
		return CompiledRule{}, fmt.Errorf("rule %s: pattern required", rule.ID)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	cr := CompiledRule{Rule: rule, Regexp: re}
	if rule.When != "" {
		ast, iss := celRuleEnv.Compile(rule.When)
		if iss != nil && iss.Err() != nil {
			return CompiledRule{}, fmt.Errorf("rule %s when: %w", rule.ID, iss.Err())
		}
		prg, err := celRuleEnv.Program(ast)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %s when: %w", rule.ID, err)
		}
		cr.when = prg
	}
	return cr, nil
}

// Bind maps (tenant, bot) to an ordered pack list and compiles its policy.
func (s *Store) Bind(tenant, bot string, packNames []string) (contracts.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pol, err := s.buildLocked(packNames)
	if err != nil {
		return contracts.Binding{}, err
	}
	b := contracts.Binding{
		Tenant:          tenant,
		Bot:             bot,
		RulesPath:       strings.Join(packNames, ","),
		RulePackVersion: packRefVersions(pol.Doc.Packs),
		PolicyVersion:   pol.Version,
	}
	s.bindings[bindKey(tenant, bot)] = &boundPolicy{binding: b, packs: packNames, policy: pol}
	s.logger.Info("binding updated", "tenant", tenant, "bot", bot, "version", pol.Version)
	return b, nil
}

// Unbind removes a binding; the pair falls back to the default policy.
func (s *Store) Unbind(tenant, bot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindKey(tenant, bot)
	_, ok := s.bindings[key]
	delete(s.bindings, key)
	return ok
}

// GetFor resolves the policy for a (tenant, bot) pair. Misses fall back to
// the merged default policy.
func (s *Store) GetFor(tenant, bot string) *Policy {
	s.mu.RLock()
	bp, ok := s.bindings[bindKey(tenant, bot)]
	s.mu.RUnlock()
	if ok {
		return bp.policy
	}
	return s.current.Load()
}

// ListBindings returns all bindings sorted by (tenant, bot).
func (s *Store) ListBindings() []contracts.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Binding, 0, len(s.bindings))
	for _, bp := range s.bindings {
		out = append(out, bp.binding)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Bot < out[j].Bot
	})
	return out
}

// Packs returns the loaded pack names sorted.
func (s *Store) Packs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.packs))
	for name := range s.packs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) blocked(reason string, err error) error {
	if s.metrics != nil {
		s.metrics.Inc(metrics.PolicyReloadBlocked, map[string]string{"reason": reason})
	}
	s.logger.Error("policy reload blocked", "reason", reason, "error", err)
	return err
}

func bindKey(tenant, bot string) string { return tenant + "\x00" + bot }

func packRefVersions(refs []PackRef) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		v := r.Version
		if v == "" {
			v = r.Hash[:12]
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, ",")
}

func firstError(r Report) string {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return fmt.Sprintf("%s at %s: %s", is.Code, is.Path, is.Message)
		}
	}
	return ""
}

func emptyVersion() string {
	v, err := canonicalize.CanonicalHash(Document{Packs: []PackRef{}, Rules: []Rule{}})
	if err != nil {
		return ""
	}
	return v
}
