package kfetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_budget_acquire_credit_release(t *testing.T) {
	should := require.New(t)
	creditor := newBudgetCreditor()

	mergedID := creditor.acquire(42, 7)
	should.NotEqual(noCreditorIndex, mergedID)

	should.Equal(int64(1000), creditor.credit(1, mergedID, 1000))
	creditor.distribute(mergedID, 600)
	should.Equal(int64(900), creditor.credit(2, mergedID, 500))

	creditor.release(mergedID)
	should.NotContains(creditor.budgetsByMergedID, mergedID)
}

func Test_budget_claims_never_overdraw(t *testing.T) {
	should := require.New(t)
	creditor := newBudgetCreditor()
	mergedID := creditor.acquire(42, 7)
	creditor.credit(1, mergedID, 100)

	should.True(creditor.claim(mergedID, 60))
	should.False(creditor.claim(mergedID, 60))
	should.True(creditor.claim(mergedID, 40))
	should.False(creditor.claim(mergedID, 1))

	// ids outside the creditor use local accounting only
	should.True(creditor.claim(0, 1000))
}

func Test_budget_ids_are_unique(t *testing.T) {
	should := require.New(t)
	creditor := newBudgetCreditor()
	first := creditor.acquire(1, 1)
	second := creditor.acquire(2, 1)
	should.NotEqual(first, second)
}
