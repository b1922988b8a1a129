package policy

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Lint issue codes.
const (
	CodeOversize         = "oversize"
	CodeYAMLParse        = "yaml_parse"
	CodeSchema           = "schema"
	CodeUnknownField     = "unknown_field"
	CodeMissingField     = "missing_field"
	CodeDuplicateID      = "duplicate_id"
	CodeBadRegex         = "bad_regex"
	CodeBadCEL           = "bad_cel"
	CodeGatewayVersion   = "gateway_version"
	CodeGreedyWildcard   = "greedy_wildcard"
	CodeNestedQuantifier = "nested_quantifier"
	CodeLongPattern      = "long_pattern"
)

const (
	maxPackBytes  = 1 << 20 // 1 MiB
	maxPatternLen = 10 * 1024
	statusOK      = "ok"
	statusFail    = "fail"
)

// Issue is one lint finding.
type Issue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Path     string `json:"path"`
}

// Report is the result of validating one pack. Status is fail iff any
// issue has error severity.
type Report struct {
	Status string  `json:"status"`
	Issues []Issue `json:"issues"`
}

// HasErrors reports whether any issue is error-severity.
func (r Report) HasErrors() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

var knownTopLevel = map[string]bool{
	"name": true, "version": true, "min_gateway_version": true, "rules": true,
}

var (
	greedyWildcard = regexp.MustCompile(`\.\*(?:[^?]|$)`)
	nestedQuantRe  = regexp.MustCompile(`\([^()]*[+*]\)[+*]`)
	celRuleEnv     = mustRuleEnv()
)

func mustRuleEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("tenant", cel.StringType),
		cel.Variable("bot", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		panic(err)
	}
	return env
}

// Validate lints one YAML rule pack. gatewayVersion gates packs declaring
// min_gateway_version. The returned pack is nil when the text does not
// parse at all.
func Validate(yamlText []byte, gatewayVersion string) (Report, *Pack) {
	var issues []Issue
	if len(yamlText) > maxPackBytes {
		return fail([]Issue{{
			Severity: SeverityError, Code: CodeOversize, Path: "$",
			Message: fmt.Sprintf("pack is %d bytes, limit %d", len(yamlText), maxPackBytes),
		}}), nil
	}

	var generic map[string]any
	if err := yaml.Unmarshal(yamlText, &generic); err != nil {
		return fail([]Issue{{
			Severity: SeverityError, Code: CodeYAMLParse, Path: "$",
			Message: err.Error(),
		}}), nil
	}
	for key := range generic {
		if !knownTopLevel[key] {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeUnknownField,
				Message:  fmt.Sprintf("unknown top-level field %q", key),
				Path:     "$." + key,
			})
		}
	}
	issues = append(issues, schemaIssues(generic)...)

	var pack Pack
	if err := yaml.Unmarshal(yamlText, &pack); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError, Code: CodeYAMLParse, Path: "$",
			Message: err.Error(),
		})
		return report(issues), nil
	}
	if pack.Name == "" {
		issues = append(issues, Issue{
			Severity: SeverityError, Code: CodeMissingField,
			Message:  "pack name is required", Path: "$.name",
		})
	}
	issues = append(issues, gateIssues(pack.MinGatewayVersion, gatewayVersion)...)
	issues = append(issues, ruleIssues(pack.Rules)...)
	return report(issues), &pack
}

func gateIssues(min, gateway string) []Issue {
	if min == "" {
		return nil
	}
	want, err := semver.NewVersion(min)
	if err != nil {
		return []Issue{{
			Severity: SeverityError, Code: CodeGatewayVersion,
			Message:  fmt.Sprintf("min_gateway_version %q: %v", min, err),
			Path:     "$.min_gateway_version",
		}}
	}
	have, err := semver.NewVersion(gateway)
	if err != nil {
		return []Issue{{
			Severity: SeverityError, Code: CodeGatewayVersion,
			Message:  fmt.Sprintf("gateway version %q: %v", gateway, err),
			Path:     "$.min_gateway_version",
		}}
	}
	if have.LessThan(want) {
		return []Issue{{
			Severity: SeverityError, Code: CodeGatewayVersion,
			Message:  fmt.Sprintf("pack requires gateway >= %s, running %s", want, have),
			Path:     "$.min_gateway_version",
		}}
	}
	return nil
}

func ruleIssues(rules []Rule) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		path := fmt.Sprintf("$.rules[%d]", i)
		if rule.ID == "" {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeMissingField,
				Message: "rule id is required", Path: path + ".id",
			})
		} else if seen[rule.ID] {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeDuplicateID,
				Message: fmt.Sprintf("duplicate rule id %q", rule.ID), Path: path + ".id",
			})
		}
		seen[rule.ID] = true

		if rule.Pattern == "" {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeMissingField,
				Message: "rule pattern is required", Path: path + ".pattern",
			})
		} else {
			issues = append(issues, patternIssues(rule.Pattern, path+".pattern")...)
		}
		if rule.When != "" {
			if _, iss := celRuleEnv.Compile(rule.When); iss != nil && iss.Err() != nil {
				issues = append(issues, Issue{
					Severity: SeverityError, Code: CodeBadCEL,
					Message: iss.Err().Error(), Path: path + ".when",
				})
			}
		}
	}
	return issues
}

func patternIssues(pattern, path string) []Issue {
	var issues []Issue
	if _, err := regexp.Compile(pattern); err != nil {
		return []Issue{{
			Severity: SeverityError, Code: CodeBadRegex,
			Message: err.Error(), Path: path,
		}}
	}
	if greedyWildcard.MatchString(pattern) {
		issues = append(issues, Issue{
			Severity: SeverityWarning, Code: CodeGreedyWildcard,
			Message: "greedy .* without laziness; consider .*?", Path: path,
		})
	}
	if nestedQuantRe.MatchString(pattern) {
		issues = append(issues, Issue{
			Severity: SeverityWarning, Code: CodeNestedQuantifier,
			Message: "nested quantifier risks catastrophic backtracking", Path: path,
		})
	}
	if len(pattern) > maxPatternLen {
		issues = append(issues, Issue{
			Severity: SeverityWarning, Code: CodeLongPattern,
			Message: fmt.Sprintf("pattern is %d bytes, recommended limit %d", len(pattern), maxPatternLen),
			Path:    path,
		})
	}
	return issues
}

func report(issues []Issue) Report {
	r := Report{Status: statusOK, Issues: issues}
	if r.HasErrors() {
		r.Status = statusFail
	}
	return r
}

func fail(issues []Issue) Report {
	return Report{Status: statusFail, Issues: issues}
}

// mergedIssues re-checks rule id uniqueness across an already-merged rule
// list, where per-pack lint cannot see collisions.
func mergedIssues(rules []Rule) []Issue {
	seen := make(map[string]string, len(rules))
	var issues []Issue
	for i, rule := range rules {
		if prev, ok := seen[rule.ID]; ok {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeDuplicateID,
				Message: fmt.Sprintf("rule id %q already defined at %s", rule.ID, prev),
				Path:    fmt.Sprintf("$.rules[%d].id", i),
			})
			continue
		}
		seen[rule.ID] = fmt.Sprintf("$.rules[%d]", i)
	}
	return issues
}
