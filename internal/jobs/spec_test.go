package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/automation-service/internal/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.JobKind
		params  string
		wantErr bool
	}{
		{name: "empty params use defaults", kind: types.JobDisableScheduler, params: ""},
		{name: "null params", kind: types.JobOneTimeAnalysis, params: "null"},
		{name: "interval string", kind: types.JobBudgetScheduler, params: `{"interval":"30m","minBudget":"10","maxBudget":"500"}`},
		{name: "cron expression", kind: types.JobScalingScheduler, params: `{"cron":"*/15 * * * *","maxCopiesPerCycle":5}`},
		{name: "bad cron", kind: types.JobDisableScheduler, params: `{"cron":"every now and then"}`, wantErr: true},
		{name: "negative interval", kind: types.JobDisableScheduler, params: `{"interval":"-5m"}`, wantErr: true},
		{name: "min above max", kind: types.JobBudgetScheduler, params: `{"minBudget":"50","maxBudget":"10"}`, wantErr: true},
		{name: "negative copies cap", kind: types.JobScalingScheduler, params: `{"maxCopiesPerCycle":-1}`, wantErr: true},
		{name: "blank account id", kind: types.JobDisableScheduler, params: `{"accounts":["acc-1",""]}`, wantErr: true},
		{name: "unknown kind", kind: "archive_everything", params: "", wantErr: true},
		{name: "malformed json", kind: types.JobDisableScheduler, params: `{"interval":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Parse(tt.kind, json.RawMessage(tt.params))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, spec.Kind())
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := ScalingParams{
		LoopParams: LoopParams{Interval: Duration(15 * time.Minute), Accounts: []string{"acc-1"}},
		NamePrefix: "scaled ",
	}
	raw, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"scaling_scheduler"`)
	assert.Contains(t, string(raw), `"interval":"15m0s"`)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDurationAcceptsSeconds(t *testing.T) {
	var p LoopParams
	require.NoError(t, json.Unmarshal([]byte(`{"interval":90,"lookback":"48h"}`), &p))
	assert.Equal(t, 90*time.Second, p.Interval.Std())
	assert.Equal(t, 48*time.Hour, p.Lookback.Std())
}

func TestNewSchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	s, err := NewSchedule(LoopParams{Cron: "0 * * * *", Interval: Duration(time.Minute)}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), s.Next(base), "cron wins over interval")

	s, err = NewSchedule(LoopParams{Interval: Duration(20 * time.Minute)}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, base.Add(20*time.Minute), s.Next(base))

	s, err = NewSchedule(LoopParams{}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), s.Next(base), "fallback interval")

	_, err = NewSchedule(LoopParams{}, 0)
	assert.Error(t, err)
}
