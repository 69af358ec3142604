package kfetch

// unmergedDescribeStream is the coordinator's auxiliary stream for topic
// configuration. Its data frames prove topic existence and carry config
// change events; the coordinator opens meta on the first one.
type unmergedDescribeStream struct {
	mergedFetch *mergedFetchStream

	initialID int64
	replyID   int64
	receiver  messageConsumer

	state       streamState
	replyBudget int32
}

func newUnmergedDescribeStream(mergedFetch *mergedFetchStream) *unmergedDescribeStream {
	return &unmergedDescribeStream{mergedFetch: mergedFetch}
}

func (s *unmergedDescribeStream) doDescribeInitialBegin(traceID int64) {
	d := s.mergedFetch.dispatcher
	s.state = openingInitial(s.state)
	s.initialID = d.supplyInitialID()
	s.replyID = supplyReplyID(s.initialID)
	s.receiver = d.supplyReceiver(s.mergedFetch.resolvedID, s.initialID)

	d.correlations[s.replyID] = s.onDescribeReply
	doBegin(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization, 0, &describeBeginEx{
			topic:   s.mergedFetch.topic,
			configs: append([]string(nil), topicConfigNames...),
		})
}

func (s *unmergedDescribeStream) doDescribeInitialEndIfNecessary(traceID int64) {
	if !initialClosed(s.state) {
		s.doDescribeInitialEnd(traceID)
	}
}

func (s *unmergedDescribeStream) doDescribeInitialEnd(traceID int64) {
	s.state = closedInitial(s.state)
	doEnd(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedDescribeStream) doDescribeInitialAbortIfNecessary(traceID int64) {
	if !initialClosed(s.state) {
		s.doDescribeInitialAbort(traceID)
	}
}

func (s *unmergedDescribeStream) doDescribeInitialAbort(traceID int64) {
	s.state = closedInitial(s.state)
	doAbort(s.receiver, s.mergedFetch.resolvedID, s.initialID, traceID,
		s.mergedFetch.authorization)
}

func (s *unmergedDescribeStream) onDescribeReply(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onDescribeReplyBegin(m)
	case *dataFrame:
		s.onDescribeReplyData(m)
	case *endFrame:
		s.onDescribeReplyEnd(m)
	case *abortFrame:
		s.onDescribeReplyAbort(m)
	case *resetFrame:
		s.onDescribeInitialReset(m)
	case *windowFrame:
		s.onDescribeInitialWindow(m)
	}
}

func (s *unmergedDescribeStream) onDescribeReplyBegin(begin *beginFrame) {
	s.state = openedReply(s.state)
	s.doDescribeReplyWindow(begin.traceID, 8192)
}

func (s *unmergedDescribeStream) onDescribeReplyData(data *dataFrame) {
	traceID := data.traceID
	s.replyBudget -= data.reserved
	if s.replyBudget < 0 {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	describeEx, isDescribe := data.ex.(*describeDataEx)
	if !isDescribe {
		s.mergedFetch.doMergedCleanup(traceID)
		return
	}
	s.mergedFetch.onTopicConfigChanged(traceID, describeEx.configs)
	s.doDescribeReplyWindow(traceID, data.reserved)
}

func (s *unmergedDescribeStream) onDescribeReplyEnd(end *endFrame) {
	traceID := end.traceID
	s.state = closedReply(s.state)
	s.mergedFetch.doMergedReplyBeginIfNecessary(traceID)
	s.mergedFetch.doMergedReplyEndIfNecessary(traceID)
	s.doDescribeInitialEndIfNecessary(traceID)
}

func (s *unmergedDescribeStream) onDescribeReplyAbort(abort *abortFrame) {
	traceID := abort.traceID
	s.state = closedReply(s.state)
	s.mergedFetch.doMergedReplyAbortIfNecessary(traceID)
	s.doDescribeInitialAbortIfNecessary(traceID)
}

func (s *unmergedDescribeStream) onDescribeInitialReset(reset *resetFrame) {
	traceID := reset.traceID
	s.state = closedInitial(s.state)
	s.mergedFetch.doMergedInitialResetIfNecessary(traceID)
	s.doDescribeReplyResetIfNecessary(traceID)
}

func (s *unmergedDescribeStream) onDescribeInitialWindow(window *windowFrame) {
	if !initialOpened(s.state) {
		s.state = openedInitial(s.state)
		s.mergedFetch.doMergedInitialWindowIfNecessary(window.traceID)
	}
}

func (s *unmergedDescribeStream) doDescribeReplyWindow(traceID int64, credit int32) {
	s.state = openedReply(s.state)
	s.replyBudget += credit
	doWindow(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
		s.mergedFetch.authorization, 0, credit, s.mergedFetch.replyPadding)
}

func (s *unmergedDescribeStream) doDescribeReplyResetIfNecessary(traceID int64) {
	if !replyClosed(s.state) {
		s.doDescribeReplyReset(traceID)
	}
}

func (s *unmergedDescribeStream) doDescribeReplyReset(traceID int64) {
	s.state = closedReply(s.state)
	doReset(s.receiver, s.mergedFetch.resolvedID, s.replyID, traceID,
		s.mergedFetch.authorization, nil)
}

func (s *unmergedDescribeStream) doDescribeCleanup(traceID int64) {
	s.doDescribeInitialAbortIfNecessary(traceID)
	s.doDescribeReplyResetIfNecessary(traceID)
}
