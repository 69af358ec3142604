package kfetch

// unmergedMetaStream is the coordinator's auxiliary stream for the
// partition leader table. Every data frame is a full snapshot that the
// coordinator diffs against its fetch substreams.
type unmergedMetaStream struct {
	mergedFetch *mergedFetchStream

	initialID int64
	replyID   int64
	receiver  messageConsumer

	state       streamState
	replyBudget int32
}

func newUnmergedMetaStream(mergedFetch *mergedFetchStream) *unmergedMetaStream {
	return &unmergedMetaStream{mergedFetch: mergedFetch}
}

func (s *unmergedMetaStream) doMetaInitialBeginIfNecessary(traceID int64) {
	if !initialOpening(s.state) {
		s.doMetaInitialBegin(traceID)
	}
}

func (s *unmergedMetaStream) doMetaInitialBegin(traceID int64) {
	d := s.mergedFetch.dispatcher
	s.state = openingInitial(s.state)
	s.initialID = d.supplyInitialID()
	s.replyID = supplyReplyID(s.initialID)
	s.receiver = d.supplyReceiver(s.mergedFetch.resolvedID, s.initialID)

	d.correlations[s.replyID] = s.onMetaReply
	doBegin(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization, 0, &metaBeginEx{topic: s.mergedFetch.topic})
}

func (s *unmergedMetaStream) doMetaInitialEndIfNecessary(traceID int64) {
	if initialOpening(s.state) && !initialClosed(s.state) {
		s.doMetaInitialEnd(traceID)
	}
}

func (s *unmergedMetaStream) doMetaInitialEnd(traceID int64) {
	s.state = closedInitial(s.state)
	doEnd(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedMetaStream) doMetaInitialAbortIfNecessary(traceID int64) {
	if initialOpening(s.state) && !initialClosed(s.state) {
		s.doMetaInitialAbort(traceID)
	}
}

func (s *unmergedMetaStream) doMetaInitialAbort(traceID int64) {
	s.state = closedInitial(s.state)
	doAbort(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedMetaStream) onMetaReply(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onMetaReplyBegin(m)
	case *dataFrame:
		s.onMetaReplyData(m)
	case *endFrame:
		s.onMetaReplyEnd(m)
	case *abortFrame:
		s.onMetaReplyAbort(m)
	case *resetFrame:
		s.onMetaInitialReset(m)
	case *windowFrame:
		s.onMetaInitialWindow(m)
	}
}

func (s *unmergedMetaStream) onMetaReplyBegin(begin *beginFrame) {
	s.state = openedReply(s.state)
	s.doMetaReplyWindow(begin.traceID, 8192)
}

func (s *unmergedMetaStream) onMetaReplyData(data *dataFrame) {
	traceID := data.traceID
	s.replyBudget -= data.reserved
	if s.replyBudget < 0 {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	metaEx, isMeta := data.ex.(*metaDataEx)
	if !isMeta {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	s.mergedFetch.onTopicMetaDataChanged(traceID, metaEx.partitions)
	s.doMetaReplyWindow(traceID, data.reserved)
}

func (s *unmergedMetaStream) onMetaReplyEnd(end *endFrame) {
	traceID := end.traceID
	s.state = closedReply(s.state)
	s.mergedFetch.doMergedReplyBeginIfNecessary(traceID)
	s.mergedFetch.doMergedReplyEndIfNecessary(traceID)
	s.doMetaInitialEndIfNecessary(traceID)
}

func (s *unmergedMetaStream) onMetaReplyAbort(abort *abortFrame) {
	traceID := abort.traceID
	s.state = closedReply(s.state)
	s.mergedFetch.doMergedReplyAbortIfNecessary(traceID)
	s.doMetaInitialAbortIfNecessary(traceID)
}

func (s *unmergedMetaStream) onMetaInitialReset(reset *resetFrame) {
	traceID := reset.traceID
	s.state = closedInitial(s.state)
	s.mergedFetch.doMergedInitialResetIfNecessary(traceID)
	s.doMetaReplyResetIfNecessary(traceID)
}

func (s *unmergedMetaStream) onMetaInitialWindow(window *windowFrame) {
	if !initialOpened(s.state) {
		s.state = openedInitial(s.state)
		s.mergedFetch.doMergedInitialWindowIfNecessary(window.traceID)
	}
}

func (s *unmergedMetaStream) doMetaReplyWindow(traceID int64, credit int32) {
	s.state = openedReply(s.state)
	s.replyBudget += credit
	doWindow(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
		s.mergedFetch.authorization, 0, credit, s.mergedFetch.replyPadding)
}

func (s *unmergedMetaStream) doMetaReplyResetIfNecessary(traceID int64) {
	if s.receiver == nil {
		s.state = closedReply(s.state)
		return
	}
	if !replyClosed(s.state) {
		s.doMetaReplyReset(traceID)
	}
}

func (s *unmergedMetaStream) doMetaReplyReset(traceID int64) {
	s.state = closedReply(s.state)
	doReset(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
		s.mergedFetch.authorization, nil)
}

func (s *unmergedMetaStream) doMetaCleanup(traceID int64) {
	s.doMetaInitialAbortIfNecessary(traceID)
	s.doMetaReplyResetIfNecessary(traceID)
}
