package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/testutil"
)

func TestValidateAppend(t *testing.T) {
	tests := []struct {
		name      string
		budget    model.BudgetKind
		amount    float64
		kind      model.TransactionKind
		wantField string
	}{
		{"compute income", model.BudgetCompute, 5, model.TxIncome, ""},
		{"asset transfer", model.BudgetAsset, 0.01, model.TxTransfer, ""},
		{"compute cost", model.BudgetCompute, 0.25, model.TxComputeCost, ""},
		{"unknown budget", "fuel", 5, model.TxIncome, "budget"},
		{"unknown kind", model.BudgetCompute, 5, "bribe", "kind"},
		{"zero amount", model.BudgetCompute, 0, model.TxIncome, "amount"},
		{"negative amount", model.BudgetCompute, -3, model.TxIncome, "amount"},
		{"NaN amount", model.BudgetCompute, math.NaN(), model.TxIncome, "amount"},
		{"infinite amount", model.BudgetCompute, math.Inf(1), model.TxIncome, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAppend(tt.budget, tt.amount, tt.kind)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

// The invalid-input branches of Credit, Debit, and History return before
// the first storage call, so a service with no database is enough here.
func TestCreditRejectsInvalidInput(t *testing.T) {
	svc := New(nil, testutil.TestLogger())

	_, err := svc.Credit(context.Background(), uuid.New(), "fuel", 5, model.TxIncome, "refuel")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "budget", verr.Field)
}

func TestDebitRejectsInvalidInput(t *testing.T) {
	svc := New(nil, testutil.TestLogger())

	_, err := svc.Debit(context.Background(), uuid.New(), model.BudgetAsset, math.NaN(), model.TxExpense, "payment")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	_, err = svc.Debit(context.Background(), uuid.New(), model.BudgetAsset, 5, "tithe", "payment")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)
}

func TestHistoryRejectsUnknownBudget(t *testing.T) {
	svc := New(nil, testutil.TestLogger())

	bad := model.BudgetKind("karma")
	_, err := svc.History(context.Background(), uuid.New(), &bad, 10, 0)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "budget", verr.Field)
}

func TestChainReportOK(t *testing.T) {
	assert.True(t, ChainReport{AgentID: uuid.New(), Transactions: 4}.OK())
	assert.False(t, ChainReport{
		AgentID:      uuid.New(),
		Transactions: 4,
		Problems:     []string{"compute tx 2: balance_after 7 != 6"},
	}.OK())
}
