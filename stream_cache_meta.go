package kfetch

// cacheMetaStream is the cache-facing end of a meta substream: every data
// frame is a full snapshot of the topic's partition leader table, re-sent
// whenever the table changes.
type cacheMetaStream struct {
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

const metaSnapshotReserved = int32(256)

func newCacheMetaStream(d *dispatcher, routeID int64, begin *beginFrame,
	ex *metaBeginEx) *cacheMetaStream {
	return &cacheMetaStream{
		dispatcher:    d,
		sender:        d.correlated(supplyReplyID(begin.streamID)),
		topic:         d.gateway.cache.supplyTopic(ex.topic),
		routeID:       routeID,
		initialID:     begin.streamID,
		replyID:       supplyReplyID(begin.streamID),
		authorization: begin.authorization,
	}
}

func (s *cacheMetaStream) onInitial(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onMetaInitialBegin(m)
	case *endFrame:
		s.onMetaInitialEnd(m)
	case *abortFrame:
		s.onMetaInitialAbort(m)
	case *windowFrame:
		s.onMetaReplyWindow(m)
	case *resetFrame:
		s.onMetaReplyReset(m)
	}
}

func (s *cacheMetaStream) onMetaInitialBegin(begin *beginFrame) {
	traceID := begin.traceID
	s.state = openedInitial(s.state)
	doWindow(s.sender, s.routeID, s.initialID, traceID, s.authorization, 0, 0, 0)
	s.state = openingReply(s.state)
	doBegin(s.sender, s.routeID, s.replyID, traceID, s.authorization, 0, nil)
	s.snapshot = true
	s.unwatch = s.topic.watchMeta(func() {
		s.dispatcher.enqueue(func() { s.onLeadersChanged(traceID) })
	})
}

func (s *cacheMetaStream) onMetaInitialEnd(end *endFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doEnd(s.sender, s.routeID, s.replyID, end.traceID, s.authorization)
	}
}

func (s *cacheMetaStream) onMetaInitialAbort(abort *abortFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doAbort(s.sender, s.routeID, s.replyID, abort.traceID, s.authorization)
	}
}

func (s *cacheMetaStream) onMetaReplyWindow(window *windowFrame) {
	s.state = openedReply(s.state)
	s.replyBudget += window.credit
	s.replyPadding = window.padding
	s.flush(window.traceID)
}

func (s *cacheMetaStream) onMetaReplyReset(reset *resetFrame) {
	s.state = closedReply(s.state)
	s.teardown()
	if !initialClosed(s.state) {
		s.state = closedInitial(s.state)
		doReset(s.sender, s.routeID, s.initialID, reset.traceID, s.authorization, nil)
	}
}

func (s *cacheMetaStream) onLeadersChanged(traceID int64) {
	if streamClosed(s.state) || replyClosing(s.state) {
		return
	}
	s.snapshot = true
	s.flush(traceID)
}

func (s *cacheMetaStream) flush(traceID int64) {
	if !s.snapshot || replyClosing(s.state) {
		return
	}
	reserved := metaSnapshotReserved + s.replyPadding
	if s.replyBudget < reserved {
		return
	}
	s.replyBudget -= reserved
	s.snapshot = false
	doData(s.sender, s.routeID, s.replyID, traceID, s.authorization,
		0, reserved, dataFlagInit|dataFlagFin, nil,
		&metaDataEx{partitions: s.topic.partitionLeaders()})
}

func (s *cacheMetaStream) teardown() {
	delete(s.dispatcher.streams, s.initialID)
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}
