package kfetch

import (
	"github.com/v2pro/plz/countlog"
)

const noCreditorIndex = int64(-1)

// mergedBudget aggregates reply credit from one watcher (the client reply
// stream) on behalf of the partition fetch producers sharing its reply
// path.
type mergedBudget struct {
	budgetID    int64
	watcherID   int64
	credit      int64
	distributed int64
	claimed     int64
}

func (budget *mergedBudget) creditBudget(traceID int64, credit int64) int64 {
	budget.credit += credit
	unused := budget.credit - budget.distributed
	countlog.Trace("event!budget.credited",
		"traceId", traceID, "watcherId", budget.watcherID, "credit", credit, "unused", unused)
	return unused
}

// budgetCreditor hands out merged budget ids. One creditor per dispatcher,
// touched only on that dispatcher, so no locking.
type budgetCreditor struct {
	budgetsByMergedID map[int64]*mergedBudget
	nextBudgetID      int64
}

func newBudgetCreditor() *budgetCreditor {
	return &budgetCreditor{budgetsByMergedID: map[int64]*mergedBudget{}}
}

// acquire binds a merged budget to (watcher, external budget). Only one
// watcher may feed a merged budget.
func (creditor *budgetCreditor) acquire(watcherID int64, budgetID int64) int64 {
	if watcherID == 0 {
		countlog.Fatal("event!budget.acquire without watcher")
		return noCreditorIndex
	}
	creditor.nextBudgetID++
	mergedBudgetID := creditor.nextBudgetID
	creditor.budgetsByMergedID[mergedBudgetID] = &mergedBudget{
		budgetID:  budgetID,
		watcherID: watcherID,
	}
	return mergedBudgetID
}

// credit adds reply credit to the merged bucket and returns the portion
// not yet handed out to producers.
func (creditor *budgetCreditor) credit(traceID int64, mergedBudgetID int64, credit int64) int64 {
	budget := creditor.budgetsByMergedID[mergedBudgetID]
	if budget == nil {
		countlog.Fatal("event!budget.credit unknown merged budget",
			"mergedBudgetId", mergedBudgetID)
		return 0
	}
	return budget.creditBudget(traceID, credit)
}

// distribute records credit handed to one producer.
func (creditor *budgetCreditor) distribute(mergedBudgetID int64, amount int64) {
	if budget := creditor.budgetsByMergedID[mergedBudgetID]; budget != nil {
		budget.distributed += amount
	}
}

// claim reserves emission bytes against the merged bucket so producers
// sharing one reply path can never overdraw the watcher's credit. Budget
// ids that name no merged bucket fall back to local accounting.
func (creditor *budgetCreditor) claim(mergedBudgetID int64, reserved int32) bool {
	budget := creditor.budgetsByMergedID[mergedBudgetID]
	if budget == nil {
		return true
	}
	if budget.credit-budget.claimed < int64(reserved) {
		return false
	}
	budget.claimed += int64(reserved)
	return true
}

func (creditor *budgetCreditor) release(mergedBudgetID int64) {
	if _, found := creditor.budgetsByMergedID[mergedBudgetID]; !found {
		countlog.Fatal("event!budget.release unknown merged budget",
			"mergedBudgetId", mergedBudgetID)
		return
	}
	delete(creditor.budgetsByMergedID, mergedBudgetID)
}
