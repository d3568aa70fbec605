package adplatform

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/types"
)

type fakeCaller struct {
	ops  []gateway.Operation
	body string
	err  error
}

func (f *fakeCaller) Call(ctx context.Context, accountID string, op gateway.Operation) (*gateway.Response, error) {
	f.ops = append(f.ops, op)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Response{Status: 200, Body: []byte(f.body), Attempts: 1}, nil
}

func TestListEntities(t *testing.T) {
	caller := &fakeCaller{body: `{"entities":[
		{"id":"b1","name":"Banner 1","status":"active","budget":"50.00"},
		{"id":"b2","name":"Banner 2","status":"stopped","budget":10}
	]}`}

	entities, err := NewClient(caller).ListEntities(context.Background(), "acc-1")

	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, types.EntityActive, entities[0].Status)
	assert.Equal(t, types.EntityDisabled, entities[1].Status)
	assert.True(t, entities[0].Budget.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "acc-1", entities[1].AccountID)
	assert.Equal(t, "/accounts/acc-1/entities", caller.ops[0].Path)
}

func TestFetchMetricsKeepsMissingValuesMissing(t *testing.T) {
	caller := &fakeCaller{body: `{"items":[
		{"id":"b1","metrics":{"spend":"120.50","clicks":10,"impressions":1000,"conversions":0}},
		{"id":"b2","metrics":{"spend":null}}
	]}`}

	metrics, err := NewClient(caller).FetchMetrics(context.Background(), "acc-1", []string{"b1", "b2", "b3"}, 24*time.Hour)

	require.NoError(t, err)
	b1 := metrics["b1"]
	assert.True(t, b1[types.MetricSpend].Equal(decimal.RequireFromString("120.5")))
	assert.True(t, b1[types.MetricCTR].Equal(decimal.NewFromInt(1)), "ctr = 10/1000 * 100")
	assert.True(t, b1[types.MetricCPC].Equal(decimal.RequireFromString("12.05")))
	_, hasCPA := b1[types.MetricCostPerConversion]
	assert.False(t, hasCPA, "zero conversions leave cost per conversion undefined")

	_, hasSpend := metrics["b2"][types.MetricSpend]
	assert.False(t, hasSpend, "null is missing, not zero")
	_, hasB3 := metrics["b3"]
	assert.False(t, hasB3)

	var body map[string]any
	raw, _ := json.Marshal(caller.ops[0].Body)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "24", body["lookback_hours"])
}

func TestFetchMetricsSkipsCallForNoEntities(t *testing.T) {
	caller := &fakeCaller{}

	metrics, err := NewClient(caller).FetchMetrics(context.Background(), "acc-1", nil, time.Hour)

	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Empty(t, caller.ops)
}

func TestSetBudgetAndDuplicate(t *testing.T) {
	caller := &fakeCaller{body: `{"id":"copy-1"}`}
	c := NewClient(caller)

	require.NoError(t, c.SetBudget(context.Background(), "acc-1", "b1", decimal.RequireFromString("104.5")))
	assert.Equal(t, map[string]string{"budget": "104.50"}, caller.ops[0].Body)

	id, err := c.DuplicateEntity(context.Background(), "acc-1", "b1", DuplicateOptions{NamePrefix: "copy "})
	require.NoError(t, err)
	assert.Equal(t, "copy-1", id)
	assert.Equal(t, "/accounts/acc-1/entities/b1/duplicate", caller.ops[1].Path)
}
