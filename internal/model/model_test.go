package model

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReapable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		status  AgentStatus
		diesAt  time.Time
		compute float64
		asset   float64
		want    bool
	}{
		{"exhausted past deadline", AgentAlive, now.Add(-time.Hour), 0, 0, true},
		{"negative balances past deadline", AgentAlive, now.Add(-time.Hour), -0.5, -2, true},
		{"deadline exactly now", AgentAlive, now, 0, 0, true},
		{"compute remaining past deadline", AgentAlive, now.Add(-time.Hour), 0.01, 0, false},
		{"asset remaining past deadline", AgentAlive, now.Add(-time.Hour), 0, 0.01, false},
		{"exhausted but under deadline", AgentAlive, now.Add(time.Hour), 0, 0, false},
		{"already dead", AgentDead, now.Add(-time.Hour), 0, 0, false},
		{"pending never reaped", AgentPending, now.Add(-time.Hour), 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Agent{
				ID:            uuid.New(),
				Status:        tt.status,
				DiesAt:        tt.diesAt,
				ComputeBudget: tt.compute,
				AssetBalance:  tt.asset,
			}
			assert.Equal(t, tt.want, a.Reapable(now))
		})
	}
}

func TestNormalizeRequestType(t *testing.T) {
	assert.Equal(t, RequestReplicate, NormalizeRequestType("replicate"))
	assert.Equal(t, RequestHumanRequired, NormalizeRequestType("human_required"))
	assert.Equal(t, RequestCustom, NormalizeRequestType("teleport"))
	assert.Equal(t, RequestCustom, NormalizeRequestType(""))
}

func TestNormalizeRequestPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, NormalizeRequestPriority("critical"))
	assert.Equal(t, PriorityMedium, NormalizeRequestPriority("urgent"))
	assert.Equal(t, PriorityMedium, NormalizeRequestPriority(""))
}

func TestRoundAmount(t *testing.T) {
	assert.InDelta(t, 0.000001, RoundAmount(0.0000014), 1e-12)
	assert.InDelta(t, 0.000002, RoundAmount(0.0000015), 1e-12)
	assert.InDelta(t, -2.5, RoundAmount(-2.5), 1e-12)
	assert.Zero(t, RoundAmount(0.00000009))
}

func TestValidAmount(t *testing.T) {
	assert.True(t, ValidAmount(0.01))
	assert.True(t, ValidAmount(-0.01))
	assert.False(t, ValidAmount(0))
	assert.False(t, ValidAmount(0.00000001)) // rounds to zero
	assert.False(t, ValidAmount(math.NaN()))
	assert.False(t, ValidAmount(math.Inf(1)))
}

func TestSettingsAutoApprovable(t *testing.T) {
	s := DefaultSettings()
	s.AutoApprove = true

	assert.True(t, s.AutoApprovable(RequestReplicate))
	assert.True(t, s.AutoApprovable(RequestSpend))
	assert.False(t, s.AutoApprovable(RequestHumanRequired))

	s.AutoApprove = false
	assert.False(t, s.AutoApprovable(RequestReplicate))

	// Even a corrupted allow-list never approves human_required.
	s.AutoApprove = true
	s.AutoApproveTypes = append(s.AutoApproveTypes, RequestHumanRequired)
	assert.False(t, s.AutoApprovable(RequestHumanRequired))
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{
		AutoApproveTypes: []RequestType{RequestReplicate, "bogus", RequestHumanRequired, RequestTrade},
	}
	s.Normalize()

	assert.Equal(t, []RequestType{RequestReplicate, RequestTrade}, s.AutoApproveTypes)
	assert.Equal(t, 7*24*time.Hour, s.GracePeriod)
	assert.Equal(t, 1.0, s.MinChildCompute)
	assert.Equal(t, 0.5, s.MinChildAsset)
	assert.Equal(t, 3, s.MaxRequestsPerCycle)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.AutoApproveTypes = []RequestType{RequestHumanRequired}
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.GracePeriod = time.Second
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.MaxRequestsPerCycle = 50
	require.Error(t, s.Validate())
}

func TestPayloadExtraction(t *testing.T) {
	r := Request{Payload: map[string]any{
		"amount":    2.5,
		"count":     3,
		"strategy":  "hold",
		"nested":    map[string]any{},
		"not_a_num": "12",
	}}

	v, ok := r.PayloadFloat("amount")
	require.True(t, ok)
	assert.Equal(t, 2.5, v)

	v, ok = r.PayloadFloat("count")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = r.PayloadFloat("not_a_num")
	assert.False(t, ok)
	_, ok = r.PayloadFloat("missing")
	assert.False(t, ok)

	s, ok := r.PayloadString("strategy")
	require.True(t, ok)
	assert.Equal(t, "hold", s)
	_, ok = r.PayloadString("nested")
	assert.False(t, ok)
}

func TestTimeRemaining(t *testing.T) {
	now := time.Now().UTC()
	a := Agent{DiesAt: now.Add(3 * time.Hour)}
	assert.Equal(t, 3*time.Hour, a.TimeRemaining(now))
	assert.Negative(t, a.TimeRemaining(now.Add(4*time.Hour)))
}
