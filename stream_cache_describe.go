package kfetch

// cacheDescribeStream is the cache-facing end of a describe substream: it
// answers with the topic's config table and emits a fresh snapshot
// whenever a config value changes, under the reply budget the peer grants.
type cacheDescribeStream struct {
	dispatcher    *dispatcher
	sender        messageConsumer
	topic         *cacheTopic
	routeID       int64
	initialID     int64
	replyID       int64
	authorization int64

	state        streamState
	replyBudget  int32
	replyPadding int32
	snapshot     bool
	unwatch      func()
}

const describeSnapshotReserved = int32(512)

func newCacheDescribeStream(d *dispatcher, routeID int64, begin *beginFrame,
	ex *describeBeginEx) *cacheDescribeStream {
	return &cacheDescribeStream{
		dispatcher:    d,
		sender:        d.correlated(supplyReplyID(begin.streamID)),
		topic:         d.gateway.cache.supplyTopic(ex.topic),
		routeID:       routeID,
		initialID:     begin.streamID,
		replyID:       supplyReplyID(begin.streamID),
		authorization: begin.authorization,
	}
}

func (s *cacheDescribeStream) onInitial(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onDescribeInitialBegin(m)
	case *endFrame:
		s.onDescribeInitialEnd(m)
	case *abortFrame:
		s.onDescribeInitialAbort(m)
	case *windowFrame:
		s.onDescribeReplyWindow(m)
	case *resetFrame:
		s.onDescribeReplyReset(m)
	}
}

func (s *cacheDescribeStream) onDescribeInitialBegin(begin *beginFrame) {
	traceID := begin.traceID
	s.state = openedInitial(s.state)
	doWindow(s.sender, s.routeID, s.initialID, traceID, s.authorization, 0, 0, 0)
	s.state = openingReply(s.state)
	doBegin(s.sender, s.routeID, s.replyID, traceID, s.authorization, 0, nil)
	s.snapshot = true
	s.unwatch = s.topic.watchConfig(func() {
		s.dispatcher.enqueue(func() { s.onConfigChanged(traceID) })
	})
}

func (s *cacheDescribeStream) onDescribeInitialEnd(end *endFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doEnd(s.sender, s.routeID, s.replyID, end.traceID, s.authorization)
	}
}

func (s *cacheDescribeStream) onDescribeInitialAbort(abort *abortFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doAbort(s.sender, s.routeID, s.replyID, abort.traceID, s.authorization)
	}
}

func (s *cacheDescribeStream) onDescribeReplyWindow(window *windowFrame) {
	s.state = openedReply(s.state)
	s.replyBudget += window.credit
	s.replyPadding = window.padding
	s.flush(window.traceID)
}

func (s *cacheDescribeStream) onDescribeReplyReset(reset *resetFrame) {
	s.state = closedReply(s.state)
	s.teardown()
	if !initialClosed(s.state) {
		s.state = closedInitial(s.state)
		doReset(s.sender, s.routeID, s.initialID, reset.traceID, s.authorization, nil)
	}
}

func (s *cacheDescribeStream) onConfigChanged(traceID int64) {
	if streamClosed(s.state) || replyClosing(s.state) {
		return
	}
	s.snapshot = true
	s.flush(traceID)
}

func (s *cacheDescribeStream) flush(traceID int64) {
	if !s.snapshot || replyClosing(s.state) {
		return
	}
	reserved := describeSnapshotReserved + s.replyPadding
	if s.replyBudget < reserved {
		return
	}
	s.replyBudget -= reserved
	s.snapshot = false
	doData(s.sender, s.routeID, s.replyID, traceID, s.authorization,
		0, reserved, dataFlagInit|dataFlagFin, nil,
		&describeDataEx{configs: s.topic.configSnapshot()})
}

func (s *cacheDescribeStream) teardown() {
	delete(s.dispatcher.streams, s.initialID)
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}
