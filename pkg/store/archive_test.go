package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func seedEvents(t *testing.T, a *Archive) {
	t.Helper()
	events := []contracts.DecisionEvent{
		{Ts: 100.0, IncidentID: "i1", RequestID: "r1", Tenant: "acme", Bot: "support", Family: contracts.FamilyAllow, Mode: contracts.ModeNormal, Status: 200, Endpoint: "/guardrail/evaluate"},
		{Ts: 101.0, IncidentID: "i2", RequestID: "r2", Tenant: "acme", Bot: "support", Family: contracts.FamilyBlock, Mode: contracts.ModeNormal, Status: 200, Endpoint: "/guardrail/evaluate", RuleIDs: []string{"rm-rf"}},
		{Ts: 101.0, IncidentID: "i3", RequestID: "r3", Tenant: "acme", Bot: "billing", Family: contracts.FamilySanitize, Mode: contracts.ModeNormal, Status: 200, Endpoint: "/guardrail/egress_evaluate", RuleIDs: []string{"openai-key", "email"}},
		{Ts: 102.0, IncidentID: "i4", RequestID: "r4", Tenant: "umbrella", Bot: "ops", Family: contracts.FamilyBlock, Mode: contracts.ModeFullQuarantine, Status: 429, Endpoint: "/guardrail/evaluate"},
	}
	for _, ev := range events {
		require.NoError(t, a.Insert(context.Background(), ev))
	}
}

func TestArchiveInsertAndCount(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)

	n, err := a.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestArchiveQueryDefaultsToNewestFirst(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)

	got, err := a.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "i4", got[0].IncidentID)
	assert.Equal(t, "i1", got[3].IncidentID)
}

func TestArchiveQueryAscKeepsInsertionOrderOnTies(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)

	got, err := a.Query(context.Background(), Filter{Sort: "asc"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "i2", got[1].IncidentID, "ts tie resolved by insertion order")
	assert.Equal(t, "i3", got[2].IncidentID)
}

func TestArchiveQueryFilters(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)
	ctx := context.Background()

	byTenant, err := a.Query(ctx, Filter{Tenant: "umbrella"})
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, "i4", byTenant[0].IncidentID)

	byBot, err := a.Query(ctx, Filter{Tenant: "acme", Bot: "billing"})
	require.NoError(t, err)
	require.Len(t, byBot, 1)
	assert.Equal(t, []string{"openai-key", "email"}, byBot[0].RuleIDs)

	byFamily, err := a.Query(ctx, Filter{Family: "block"})
	require.NoError(t, err)
	assert.Len(t, byFamily, 2)

	byMode, err := a.Query(ctx, Filter{Mode: "full_quarantine"})
	require.NoError(t, err)
	require.Len(t, byMode, 1)
	assert.Equal(t, 429, byMode[0].Status)

	byRequest, err := a.Query(ctx, Filter{RequestID: "r2"})
	require.NoError(t, err)
	require.Len(t, byRequest, 1)
	assert.Equal(t, "i2", byRequest[0].IncidentID)
}

func TestArchiveQueryRuleIDMatchesExactElement(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)
	ctx := context.Background()

	got, err := a.Query(ctx, Filter{RuleID: "openai-key"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i3", got[0].IncidentID)

	// A substring of an element is not a match.
	none, err := a.Query(ctx, Filter{RuleID: "openai"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchiveQueryTimeWindow(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)

	got, err := a.Query(context.Background(), Filter{FromTs: 100.5, ToTs: 101.5, Sort: "asc"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i2", got[0].IncidentID)
	assert.Equal(t, "i3", got[1].IncidentID)
}

func TestArchiveQueryPagination(t *testing.T) {
	a := openTestArchive(t)
	seedEvents(t, a)

	page, err := a.Query(context.Background(), Filter{Sort: "asc", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "i3", page[0].IncidentID)
	assert.Equal(t, "i4", page[1].IncidentID)
}

func TestArchiveEmptyRuleIDsRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Insert(context.Background(), contracts.DecisionEvent{
		Ts: 1.0, IncidentID: "solo", Family: contracts.FamilyAllow, Mode: contracts.ModeNormal, Status: 200,
	}))

	got, err := a.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].RuleIDs)
}
