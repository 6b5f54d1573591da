package requests

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/testutil"
)

// newValidationService builds a service good only for the input-validation
// branches, which all return before the first storage call.
func newValidationService() *Service {
	logger := testutil.TestLogger()
	return New(nil, settings.NewManager(nil, logger), events.NewBus(logger), nil, logger)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name      string
		params    CreateParams
		wantField string
	}{
		{
			"empty title",
			CreateParams{AgentID: uuid.New(), Type: "trade", Description: "sell surplus"},
			"title",
		},
		{
			"title too long",
			CreateParams{AgentID: uuid.New(), Type: "trade", Title: strings.Repeat("t", model.MaxTitleLen+1)},
			"title",
		},
		{
			"description too long",
			CreateParams{AgentID: uuid.New(), Type: "trade", Title: "sell", Description: strings.Repeat("d", model.MaxDescriptionLen+1)},
			"description",
		},
	}

	svc := newValidationService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.params)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestResolveValidation(t *testing.T) {
	svc := newValidationService()

	_, err := svc.Resolve(context.Background(), uuid.New(), "maybe", "keeper", nil)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "decision", verr.Field)

	_, err = svc.Resolve(context.Background(), uuid.New(), model.DecisionApprove, "", nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "resolved_by", verr.Field)
}

// ResolveBulk hands each id to Resolve on its own; an error for one id is
// recorded in its slot and the loop keeps going.
func TestResolveBulkRecordsPerIDErrors(t *testing.T) {
	svc := newValidationService()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	results := svc.ResolveBulk(context.Background(), ids, "maybe", "keeper")

	require.Len(t, results, 2)
	for i, res := range results {
		assert.Equal(t, ids[i], res.ID)
		assert.Nil(t, res.Request)
		assert.Contains(t, res.Error, "decision")
	}
}
