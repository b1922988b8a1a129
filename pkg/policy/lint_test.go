package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGateway = "1.4.0"

func codes(r Report) []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, is.Code)
	}
	return out
}

func TestValidPackLintsClean(t *testing.T) {
	r, pack := Validate([]byte(`
name: default
version: "1.0.0"
rules:
  - id: openai-key
    pattern: '\bsk-[A-Za-z0-9]{16,}\b'
    action: redact
    replacement: "[REDACTED:OPENAI_KEY]"
    tag: OPENAI_KEY
`), testGateway)
	require.NotNil(t, pack)
	assert.Equal(t, statusOK, r.Status)
	assert.Empty(t, r.Issues)
	assert.Equal(t, "default", pack.Name)
	require.Len(t, pack.Rules, 1)
	assert.Equal(t, ActionRedact, pack.Rules[0].Action)
}

func TestMissingIDAndPattern(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - action: deny
`), testGateway)
	assert.Equal(t, statusFail, r.Status)
	assert.Contains(t, codes(r), CodeMissingField)
	var paths []string
	for _, is := range r.Issues {
		paths = append(paths, is.Path)
	}
	assert.Contains(t, paths, "$.rules[0].id")
	assert.Contains(t, paths, "$.rules[0].pattern")
}

func TestDuplicateRuleIDs(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: x, action: deny}
  - {id: a, pattern: y, action: deny}
`), testGateway)
	assert.Equal(t, statusFail, r.Status)
	assert.Contains(t, codes(r), CodeDuplicateID)
}

func TestBadRegex(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: "([unclosed", action: deny}
`), testGateway)
	assert.Contains(t, codes(r), CodeBadRegex)
}

func TestUnknownTopLevelField(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rulez: []
rules: []
`), testGateway)
	assert.Equal(t, statusFail, r.Status)
	assert.Contains(t, codes(r), CodeUnknownField)
}

func TestOversizePack(t *testing.T) {
	big := "name: p\n# " + strings.Repeat("x", maxPackBytes)
	r, pack := Validate([]byte(big), testGateway)
	assert.Nil(t, pack)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, CodeOversize, r.Issues[0].Code)
}

func TestGreedyWildcardWarns(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: "secret.*value", action: deny}
`), testGateway)
	assert.Equal(t, statusOK, r.Status, "warnings never fail validation")
	assert.Contains(t, codes(r), CodeGreedyWildcard)
}

func TestLazyWildcardDoesNotWarn(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: "secret.*?value", action: deny}
`), testGateway)
	assert.NotContains(t, codes(r), CodeGreedyWildcard)
}

func TestNestedQuantifierWarns(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: "(a+)+b", action: deny}
`), testGateway)
	assert.Contains(t, codes(r), CodeNestedQuantifier)
}

func TestLongPatternWarns(t *testing.T) {
	long := strings.Repeat("a", maxPatternLen+1)
	r, _ := Validate([]byte("name: p\nrules:\n  - {id: a, pattern: "+long+", action: deny}\n"), testGateway)
	assert.Contains(t, codes(r), CodeLongPattern)
	assert.Equal(t, statusOK, r.Status)
}

func TestBadCELCondition(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: x, action: deny, when: "tenant ==="}
`), testGateway)
	assert.Contains(t, codes(r), CodeBadCEL)
}

func TestGoodCELCondition(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: x, action: deny, when: "tenant == 'acme' && 'bidi' in flags"}
`), testGateway)
	assert.Equal(t, statusOK, r.Status)
}

func TestGatewayVersionGate(t *testing.T) {
	pack := `
name: p
min_gateway_version: "2.0.0"
rules: []
`
	r, _ := Validate([]byte(pack), "1.4.0")
	assert.Contains(t, codes(r), CodeGatewayVersion)

	r, _ = Validate([]byte(pack), "2.1.0")
	assert.NotContains(t, codes(r), CodeGatewayVersion)
}

func TestBadSemverString(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
min_gateway_version: "not-a-version"
rules: []
`), testGateway)
	assert.Contains(t, codes(r), CodeGatewayVersion)
}

func TestSchemaRejectsBadAction(t *testing.T) {
	r, _ := Validate([]byte(`
name: p
rules:
  - {id: a, pattern: x, action: explode}
`), testGateway)
	assert.Equal(t, statusFail, r.Status)
	assert.Contains(t, codes(r), CodeSchema)
}

func TestYAMLParseError(t *testing.T) {
	r, pack := Validate([]byte("name: [unterminated"), testGateway)
	assert.Nil(t, pack)
	assert.Contains(t, codes(r), CodeYAMLParse)
}
