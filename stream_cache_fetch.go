package kfetch

import (
	"github.com/v2pro/plz/countlog"
)

// cacheFetchStream is the cache-facing end of one partition fetch: it
// validates leadership, seats a cursor at the requested offset and streams
// matching records under the reply budget, parking whenever the cursor has
// nothing deliverable and waking on the partition's ingest signal.
type cacheFetchStream struct {
	dispatcher    *dispatcher
	sender        messageConsumer
	topic         *cacheTopic
	partition     *cachePartition
	partitionID   int32
	leaderID      int32
	routeID       int64
	initialID     int64
	replyID       int64
	authorization int64

	cursor        *cacheCursor
	scratch       cacheEntry
	deltaType     DeltaType
	state         streamState
	replyBudgetID int64
	replyBudget   int32
	replyPadding  int32
	unwatchData   func()
	unwatchMeta   func()
}

func newCacheFetchStream(d *dispatcher, routeID int64, begin *beginFrame,
	ex *fetchBeginEx) *cacheFetchStream {
	return &cacheFetchStream{
		dispatcher:    d,
		sender:        d.correlated(supplyReplyID(begin.streamID)),
		topic:         d.gateway.cache.supplyTopic(ex.topic),
		partitionID:   ex.partition.PartitionID,
		leaderID:      int32(begin.affinity),
		routeID:       routeID,
		initialID:     begin.streamID,
		replyID:       supplyReplyID(begin.streamID),
		authorization: begin.authorization,
		deltaType:     ex.deltaType,
	}
}

func (s *cacheFetchStream) onInitial(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		s.onFetchInitialBegin(m)
	case *endFrame:
		s.onFetchInitialEnd(m)
	case *abortFrame:
		s.onFetchInitialAbort(m)
	case *windowFrame:
		s.onFetchReplyWindow(m)
	case *resetFrame:
		s.onFetchReplyReset(m)
	}
}

func (s *cacheFetchStream) onFetchInitialBegin(begin *beginFrame) {
	traceID := begin.traceID
	ex := begin.ex.(*fetchBeginEx)

	s.partition = s.topic.supplyPartition(s.dispatcher.gateway.cache, s.partitionID)
	leaderID, _ := s.topic.leaderOf(s.partitionID)
	if leaderID != s.leaderID {
		countlog.Debug("event!cacheFetch.not leader",
			"topic", s.topic.name, "partition", s.partitionID,
			"leader", leaderID, "requested", s.leaderID)
		s.state = closedInitial(s.state)
		doReset(s.sender, s.routeID, s.initialID, traceID, s.authorization,
			&resetEx{err: errorNotLeaderForPartition})
		return
	}

	condition, err := asCondition(s.partition, ex.filters)
	if err != nil {
		countlog.Error("event!cacheFetch.invalid filter", "err", err, "topic", s.topic.name)
		s.state = closedInitial(s.state)
		doReset(s.sender, s.routeID, s.initialID, traceID, s.authorization, nil)
		return
	}

	offset := ex.partition.PartitionOffset
	switch offset {
	case OffsetEarliest:
		offset = s.partition.firstOffset()
	case int64(-1):
		offset = s.partition.nextOffset()
	}

	s.cursor = newCacheCursor(s.partition, s.dispatcher.gateway.cache.entryCache,
		condition, s.deltaType)
	s.cursor.init(s.partition.seekNode(offset), offset, s.partition.nextOffset()-1)

	s.state = openedInitial(s.state)
	doWindow(s.sender, s.routeID, s.initialID, traceID, s.authorization, 0, 0, 0)
	s.state = openingReply(s.state)
	doBegin(s.sender, s.routeID, s.replyID, traceID, s.authorization, 0, nil)

	s.unwatchData = s.topic.watchFetch(s.partitionID, func() {
		s.dispatcher.enqueue(func() { s.onPartitionData(traceID) })
	})
	s.unwatchMeta = s.topic.watchMeta(func() {
		s.dispatcher.enqueue(func() { s.onLeadersChanged(traceID) })
	})
}

func (s *cacheFetchStream) onFetchInitialEnd(end *endFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doEnd(s.sender, s.routeID, s.replyID, end.traceID, s.authorization)
	}
}

func (s *cacheFetchStream) onFetchInitialAbort(abort *abortFrame) {
	s.state = closedInitial(s.state)
	s.teardown()
	if replyOpening(s.state) && !replyClosed(s.state) {
		s.state = closedReply(s.state)
		doAbort(s.sender, s.routeID, s.replyID, abort.traceID, s.authorization)
	}
}

func (s *cacheFetchStream) onFetchReplyWindow(window *windowFrame) {
	s.state = openedReply(s.state)
	s.replyBudgetID = window.budgetID
	s.replyBudget += window.credit
	s.replyPadding = window.padding
	s.flush(window.traceID)
}

func (s *cacheFetchStream) onFetchReplyReset(reset *resetFrame) {
	s.state = closedReply(s.state)
	s.teardown()
	if !initialClosed(s.state) {
		s.state = closedInitial(s.state)
		doReset(s.sender, s.routeID, s.initialID, reset.traceID, s.authorization, nil)
	}
}

func (s *cacheFetchStream) onPartitionData(traceID int64) {
	if streamClosed(s.state) || replyClosing(s.state) {
		return
	}
	s.flush(traceID)
}

// onLeadersChanged resets the fetch with NOT_LEADER_FOR_PARTITION once the
// partition moves; the coordinator recovers through its meta stream.
func (s *cacheFetchStream) onLeadersChanged(traceID int64) {
	if streamClosed(s.state) || initialClosed(s.state) {
		return
	}
	leaderID, _ := s.topic.leaderOf(s.partitionID)
	if leaderID == s.leaderID {
		return
	}
	s.teardown()
	s.state = closedInitial(s.state)
	doReset(s.sender, s.routeID, s.initialID, traceID, s.authorization,
		&resetEx{err: errorNotLeaderForPartition})
}

// flush streams cursor entries while the reply budget lasts, bounded per
// poll by fetch.max.bytes.
func (s *cacheFetchStream) flush(traceID int64) {
	if s.cursor == nil || replyClosing(s.state) || !replyOpened(s.state) {
		return
	}
	flushed := int32(0)
	for s.replyBudget > s.replyPadding && flushed < s.dispatcher.gateway.FetchMaxBytes {
		entry := s.cursor.next(&s.scratch)
		if entry == nil {
			return
		}
		payload := entry.value
		reserved := int32(len(payload)) + s.replyPadding
		if s.replyBudget < reserved {
			return
		}
		if !s.dispatcher.creditor.claim(s.replyBudgetID, reserved) {
			return
		}
		s.replyBudget -= reserved
		flushed += reserved
		delta := deltaInfo{deltaType: DeltaNone, ancestorOffset: entry.ancestor}
		if entry.ancestor != -1 {
			delta.deltaType = s.deltaType
		}
		headers := append([]messageHeader(nil), entry.headers...)
		doData(s.sender, s.routeID, s.replyID, traceID, s.authorization,
			s.replyBudgetID, reserved, dataFlagInit|dataFlagFin, payload, &fetchDataEx{
				timestamp: entry.timestamp,
				partition: PartitionOffset{
					PartitionID:     s.partitionID,
					PartitionOffset: entry.offset,
				},
				key:     entry.key,
				delta:   delta,
				headers: headers,
			})
		s.cursor.advance(entry.offset + 1)
	}
}

func (s *cacheFetchStream) teardown() {
	delete(s.dispatcher.streams, s.initialID)
	if s.unwatchData != nil {
		s.unwatchData()
		s.unwatchData = nil
	}
	if s.unwatchMeta != nil {
		s.unwatchMeta()
		s.unwatchMeta = nil
	}
	if s.cursor != nil {
		s.cursor.close()
		s.cursor = nil
	}
}
