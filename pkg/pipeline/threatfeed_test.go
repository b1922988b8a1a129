package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

func TestFetchThreatTermsSkipsCommentsAndFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# comment\nexfiltrate database\n\nransom note\nexfiltrate database\n")
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	terms := FetchThreatTerms(context.Background(), good.Client(),
		[]string{good.URL, bad.URL}, discardLogger())
	assert.Equal(t, []string{"exfiltrate database", "ransom note"}, terms)
}

func TestThreatTermsDenyThroughPipeline(t *testing.T) {
	env := newPipeEnv(t, nil, nil)
	env.p.WithThreatTerms([]string{"exfiltrate database"})

	out := env.p.Evaluate(context.Background(), evalInput("please e x f i l t r a t e database now"))
	assert.Equal(t, contracts.ActionDeny, out.Action)
	assert.Contains(t, out.RuleIDs, "threat-feed")

	benign := env.p.Evaluate(context.Background(), evalInput("hello"))
	assert.Equal(t, contracts.ActionAllow, benign.Action)
}
