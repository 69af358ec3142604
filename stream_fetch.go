package kfetch

import (
	"github.com/v2pro/plz/countlog"
)

// unmergedFetchStream is one partition leg of a merged subscription. Its
// reply budget is a slice of the merged reply budget; records it receives
// are forwarded to the client by the coordinator.
type unmergedFetchStream struct {
	partitionID int32
	leaderID    int32
	mergedFetch *mergedFetchStream

	initialID int64
	replyID   int64
	receiver  messageConsumer

	state       streamState
	replyBudget int32

	// pendingOffset is where the leg begins fetching; the coordinator
	// registers the leg first and begins it once the whole partition set
	// of a meta snapshot has been reconciled.
	pendingOffset int64

	// detached marks a leg the coordinator replaced after a leadership
	// change: its halves still close cleanly, but nothing it reports may
	// touch the merged stream anymore.
	detached bool
}

func newUnmergedFetchStream(partitionID int32, leaderID int32,
	mergedFetch *mergedFetchStream) *unmergedFetchStream {
	return &unmergedFetchStream{
		partitionID: partitionID,
		leaderID:    leaderID,
		mergedFetch: mergedFetch,
	}
}

func (s *unmergedFetchStream) doFetchInitialBegin(traceID int64, partitionOffset int64) {
	d := s.mergedFetch.dispatcher
	s.state = openingInitial(s.state)
	s.initialID = d.supplyInitialID()
	s.replyID = supplyReplyID(s.initialID)
	s.receiver = d.supplyReceiver(s.mergedFetch.resolvedID, s.initialID)

	d.correlations[s.replyID] = s.onFetchReply
	doBegin(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization, int64(s.leaderID), &fetchBeginEx{
			topic: s.mergedFetch.topic,
			partition: PartitionOffset{
				PartitionID:     s.partitionID,
				PartitionOffset: partitionOffset,
			},
			filters:   s.mergedFetch.filters,
			deltaType: s.mergedFetch.deltaType,
		})
	countlog.Debug("event!fetch.begin",
		"topic", s.mergedFetch.topic, "partition", s.partitionID,
		"leader", s.leaderID, "offset", partitionOffset)
}

func (s *unmergedFetchStream) doFetchInitialEndIfNecessary(traceID int64) {
	if !initialClosed(s.state) {
		s.doFetchInitialEnd(traceID)
	}
}

func (s *unmergedFetchStream) doFetchInitialEnd(traceID int64) {
	s.state = closedInitial(s.state)
	doEnd(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedFetchStream) doFetchInitialAbortIfNecessary(traceID int64) {
	if !initialClosed(s.state) {
		s.doFetchInitialAbort(traceID)
	}
}

func (s *unmergedFetchStream) doFetchInitialAbort(traceID int64) {
	s.state = closedInitial(s.state)
	doAbort(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedFetchStream) onFetchReply(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onFetchReplyBegin(m)
	case *dataFrame:
		s.onFetchReplyData(m)
	case *endFrame:
		s.onFetchReplyEnd(m)
	case *abortFrame:
		s.onFetchReplyAbort(m)
	case *resetFrame:
		s.onFetchInitialReset(m)
	case *windowFrame:
		s.onFetchInitialWindow(m)
	}
}

func (s *unmergedFetchStream) onFetchReplyBegin(begin *beginFrame) {
	s.state = openingReply(s.state)
	s.mergedFetch.onPartitionReady(begin.traceID, s.partitionID)
	s.doFetchReplyWindowIfNecessary(begin.traceID)
}

func (s *unmergedFetchStream) onFetchReplyData(data *dataFrame) {
	traceID := data.traceID
	if s.detached {
		return
	}
	s.replyBudget -= data.reserved
	if s.replyBudget < 0 {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	fetchEx, isFetch := data.ex.(*fetchDataEx)
	if !isFetch {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	s.mergedFetch.doMergedReplyData(traceID, data.flags, data.reserved, data.payload, fetchEx)
}

func (s *unmergedFetchStream) onFetchReplyEnd(end *endFrame) {
	traceID := end.traceID
	s.state = closedReply(s.state)
	if !s.detached {
		s.mergedFetch.doMergedReplyEndIfNecessary(traceID)
	}
	s.doFetchInitialEndIfNecessary(traceID)
}

func (s *unmergedFetchStream) onFetchReplyAbort(abort *abortFrame) {
	traceID := abort.traceID
	s.state = closedReply(s.state)
	if !s.detached {
		s.mergedFetch.doMergedReplyAbortIfNecessary(traceID)
	}
	s.doFetchInitialAbortIfNecessary(traceID)
}

// onFetchInitialReset recovers NOT_LEADER_FOR_PARTITION by leaving the
// merged stream open; the next meta snapshot opens a replacement fetch at
// the retained progress offset. Any other error cascades.
func (s *unmergedFetchStream) onFetchInitialReset(reset *resetFrame) {
	traceID := reset.traceID
	s.state = closedInitial(s.state)

	errorCode := int32(0)
	if reset.ex != nil {
		errorCode = reset.ex.err
	}
	s.doFetchReplyResetIfNecessary(traceID)

	if s.detached {
		return
	}
	if errorCode == errorNotLeaderForPartition {
		countlog.Debug("event!fetch.leadership lost",
			"topic", s.mergedFetch.topic, "partition", s.partitionID, "leader", s.leaderID)
		s.mergedFetch.removeFetchStream(s)
	} else {
		s.mergedFetch.doMergedInitialResetIfNecessary(traceID)
	}
}

func (s *unmergedFetchStream) onFetchInitialWindow(window *windowFrame) {
	if !initialOpened(s.state) {
		s.state = openedInitial(s.state)
		s.mergedFetch.doMergedInitialWindowIfNecessary(window.traceID)
	}
}

// doFetchReplyWindowIfNecessary tops this partition's budget slice up to
// the merged reply budget.
func (s *unmergedFetchStream) doFetchReplyWindowIfNecessary(traceID int64) {
	if replyOpening(s.state) && !replyClosing(s.state) {
		s.state = openedReply(s.state)
		target := s.mergedFetch.replyBudget
		if max := s.mergedFetch.dispatcher.gateway.FetchPartitionMaxBytes; target > max {
			target = max
		}
		credit := target - s.replyBudget
		if credit > 0 {
			s.replyBudget += credit
			s.mergedFetch.dispatcher.creditor.distribute(
				s.mergedFetch.mergedReplyBudgetID, int64(credit))
			doWindow(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
				s.mergedFetch.authorization, s.mergedFetch.mergedReplyBudgetID,
				credit, s.mergedFetch.replyPadding)
		}
	}
}

func (s *unmergedFetchStream) doFetchReplyResetIfNecessary(traceID int64) {
	if !replyClosed(s.state) {
		s.doFetchReplyReset(traceID)
	}
}

func (s *unmergedFetchStream) doFetchReplyReset(traceID int64) {
	s.state = closedReply(s.state)
	doReset(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
		s.mergedFetch.authorization, nil)
}

func (s *unmergedFetchStream) doFetchCleanup(traceID int64) {
	s.doFetchInitialAbortIfNecessary(traceID)
	s.doFetchReplyResetIfNecessary(traceID)
}
