package kfetch

import (
	"sort"

	"github.com/v2pro/plz/countlog"
)

// mergedFetchStream coordinates one client subscription: it drives a
// describe substream for topic configuration, a meta substream for the
// partition leader table, and one fetch substream per partition, merging
// every fetch record back into the single client reply while tracking
// per-partition progress.
type mergedFetchStream struct {
	dispatcher    *dispatcher
	sender        messageConsumer
	routeID       int64
	initialID     int64
	replyID       int64
	affinity      int64
	authorization int64
	topic         string
	resolvedID    int64

	describeStream *unmergedDescribeStream
	metaStream     *unmergedMetaStream
	fetchStreams   []*unmergedFetchStream

	nextOffsetsByID map[int32]int64
	defaultOffset   int64
	filters         []Filter
	deltaType       DeltaType

	state streamState

	replyBudgetID       int64
	replyBudget         int32
	replyPadding        int32
	fetchStreamIndex    int
	mergedReplyBudgetID int64
}

func newMergedFetchStream(d *dispatcher, sender messageConsumer, begin *beginFrame,
	topic string, resolvedID int64, initialOffsets map[int32]int64, defaultOffset int64,
	filters []Filter, deltaType DeltaType) *mergedFetchStream {
	merged := &mergedFetchStream{
		dispatcher:          d,
		sender:              sender,
		routeID:             begin.routeID,
		initialID:           begin.streamID,
		replyID:             supplyReplyID(begin.streamID),
		affinity:            begin.affinity,
		authorization:       begin.authorization,
		topic:               topic,
		resolvedID:          resolvedID,
		nextOffsetsByID:     initialOffsets,
		defaultOffset:       defaultOffset,
		filters:             filters,
		deltaType:           deltaType,
		mergedReplyBudgetID: noCreditorIndex,
	}
	merged.describeStream = newUnmergedDescribeStream(merged)
	merged.metaStream = newUnmergedMetaStream(merged)
	return merged
}

func (merged *mergedFetchStream) onMergedInitial(msg frame) {
	switch m := msg.(type) {
	case *beginFrame:
		merged.onMergedInitialBegin(m)
	case *endFrame:
		merged.onMergedInitialEnd(m)
	case *abortFrame:
		merged.onMergedInitialAbort(m)
	case *windowFrame:
		merged.onMergedReplyWindow(m)
	case *resetFrame:
		merged.onMergedReplyReset(m)
	}
}

func (merged *mergedFetchStream) onMergedInitialBegin(begin *beginFrame) {
	merged.state = openingInitial(merged.state)
	countlog.Debug("event!merged.begin",
		"topic", merged.topic, "initialId", merged.initialID, "deltaType", merged.deltaType)
	merged.describeStream.doDescribeInitialBegin(begin.traceID)
}

func (merged *mergedFetchStream) onMergedInitialEnd(end *endFrame) {
	traceID := end.traceID
	merged.state = closedInitial(merged.state)

	merged.describeStream.doDescribeInitialEndIfNecessary(traceID)
	merged.metaStream.doMetaInitialEndIfNecessary(traceID)
	for _, fetchStream := range merged.fetchStreams {
		fetchStream.doFetchInitialEndIfNecessary(traceID)
	}
	merged.doMergedReplyEndIfNecessary(traceID)
	merged.releaseCorrelations()
}

func (merged *mergedFetchStream) onMergedInitialAbort(abort *abortFrame) {
	traceID := abort.traceID
	merged.state = closedInitial(merged.state)

	merged.describeStream.doDescribeInitialAbortIfNecessary(traceID)
	merged.metaStream.doMetaInitialAbortIfNecessary(traceID)
	for _, fetchStream := range merged.fetchStreams {
		fetchStream.doFetchInitialAbortIfNecessary(traceID)
	}
	merged.doMergedReplyAbortIfNecessary(traceID)
	merged.releaseCorrelations()
}

// onMergedReplyWindow distributes fresh client credit across the partition
// fetches round-robin, starting from where the last window stopped, so a
// chatty partition cannot starve the tail under tight credit.
func (merged *mergedFetchStream) onMergedReplyWindow(window *windowFrame) {
	traceID := window.traceID
	merged.replyBudgetID = window.budgetID
	merged.replyBudget += window.credit
	merged.replyPadding = window.padding
	merged.state = openedReply(merged.state)

	if merged.mergedReplyBudgetID == noCreditorIndex {
		merged.mergedReplyBudgetID = merged.dispatcher.creditor.acquire(merged.replyID, window.budgetID)
	}
	merged.dispatcher.creditor.credit(traceID, merged.mergedReplyBudgetID, int64(window.credit))

	fetchStreamCount := len(merged.fetchStreams)
	if merged.fetchStreamIndex >= fetchStreamCount {
		merged.fetchStreamIndex = 0
	}
	for index := merged.fetchStreamIndex; index < fetchStreamCount; index++ {
		merged.fetchStreams[index].doFetchReplyWindowIfNecessary(traceID)
	}
	for index := 0; index < merged.fetchStreamIndex; index++ {
		merged.fetchStreams[index].doFetchReplyWindowIfNecessary(traceID)
	}
	merged.fetchStreamIndex++
}

func (merged *mergedFetchStream) onMergedReplyReset(reset *resetFrame) {
	traceID := reset.traceID
	merged.state = closedReply(merged.state)

	merged.describeStream.doDescribeReplyResetIfNecessary(traceID)
	merged.metaStream.doMetaReplyResetIfNecessary(traceID)
	for _, fetchStream := range merged.fetchStreams {
		fetchStream.doFetchReplyResetIfNecessary(traceID)
	}
	merged.doMergedInitialResetIfNecessary(traceID)
	merged.releaseCorrelations()
}

func (merged *mergedFetchStream) doMergedReplyBeginIfNecessary(traceID int64) {
	if !replyOpening(merged.state) {
		merged.doMergedReplyBegin(traceID)
	}
}

func (merged *mergedFetchStream) doMergedReplyBegin(traceID int64) {
	merged.state = openingReply(merged.state)
	merged.dispatcher.correlations[merged.replyID] = merged.onMergedInitial
	doBegin(merged.sender, merged.routeID, merged.replyID, traceID,
		merged.authorization, merged.affinity, nil)
}

// doMergedReplyData forwards one fetch record to the client, refreshing
// the per-partition progress vector embedded in the extension so the
// client can resume exactly after a disconnect.
func (merged *mergedFetchStream) doMergedReplyData(traceID int64, flags int32,
	reserved int32, payload []byte, fetchEx *fetchDataEx) {
	merged.replyBudget -= reserved
	if merged.replyBudget < 0 {
		countlog.Error("event!merged.reply budget underflow",
			"topic", merged.topic, "replyBudget", merged.replyBudget)
		merged.doMergedCleanup(traceID)
		return
	}

	var mergedEx *mergedDataEx
	if flags != 0 {
		partition := fetchEx.partition
		merged.nextOffsetsByID[partition.PartitionID] = partition.PartitionOffset + 1
		mergedEx = &mergedDataEx{
			timestamp: fetchEx.timestamp,
			partition: partition,
			progress:  merged.progressVector(),
			key:       fetchEx.key,
			delta:     fetchEx.delta,
			headers:   fetchEx.headers,
		}
	}
	doData(merged.sender, merged.routeID, merged.replyID, traceID, merged.authorization,
		merged.replyBudgetID, reserved, flags, payload, mergedEx)
}

func (merged *mergedFetchStream) progressVector() []PartitionOffset {
	progress := make([]PartitionOffset, 0, len(merged.nextOffsetsByID))
	for partitionID, nextOffset := range merged.nextOffsetsByID {
		progress = append(progress, PartitionOffset{
			PartitionID:     partitionID,
			PartitionOffset: nextOffset,
		})
	}
	sort.Slice(progress, func(i, j int) bool {
		return progress[i].PartitionID < progress[j].PartitionID
	})
	return progress
}

func (merged *mergedFetchStream) doMergedReplyEnd(traceID int64) {
	merged.state = closedReply(merged.state)
	doEnd(merged.sender, merged.routeID, merged.replyID, traceID, merged.authorization)
}

func (merged *mergedFetchStream) doMergedReplyAbort(traceID int64) {
	merged.state = closedReply(merged.state)
	doAbort(merged.sender, merged.routeID, merged.replyID, traceID, merged.authorization)
}

func (merged *mergedFetchStream) doMergedInitialWindowIfNecessary(traceID int64) {
	if !initialOpened(merged.state) {
		merged.state = openedInitial(merged.state)
		doWindow(merged.sender, merged.routeID, merged.initialID, traceID,
			merged.authorization, 0, 0, 0)
	}
}

func (merged *mergedFetchStream) doMergedInitialReset(traceID int64) {
	merged.state = closedInitial(merged.state)
	doReset(merged.sender, merged.routeID, merged.initialID, traceID,
		merged.authorization, nil)
}

func (merged *mergedFetchStream) doMergedReplyEndIfNecessary(traceID int64) {
	if replyOpening(merged.state) && !replyClosed(merged.state) {
		merged.doMergedReplyEnd(traceID)
	}
}

func (merged *mergedFetchStream) doMergedReplyAbortIfNecessary(traceID int64) {
	if replyOpening(merged.state) && !replyClosed(merged.state) {
		merged.doMergedReplyAbort(traceID)
	}
}

func (merged *mergedFetchStream) doMergedInitialResetIfNecessary(traceID int64) {
	if initialOpening(merged.state) && !initialClosed(merged.state) {
		merged.doMergedInitialReset(traceID)
	}
}

// doMergedCleanup cascade-closes everything this coordinator owns.
func (merged *mergedFetchStream) doMergedCleanup(traceID int64) {
	if merged.mergedReplyBudgetID != noCreditorIndex {
		merged.dispatcher.creditor.release(merged.mergedReplyBudgetID)
		merged.mergedReplyBudgetID = noCreditorIndex
	}
	merged.doMergedInitialResetIfNecessary(traceID)
	merged.doMergedReplyAbortIfNecessary(traceID)

	merged.describeStream.doDescribeCleanup(traceID)
	merged.metaStream.doMetaCleanup(traceID)
	for _, fetchStream := range merged.fetchStreams {
		fetchStream.doFetchCleanup(traceID)
	}
	merged.releaseCorrelations()
}

// onTopicConfigChanged: describe data proves the topic exists, which is
// all the coordinator needs before opening meta.
func (merged *mergedFetchStream) onTopicConfigChanged(traceID int64, configs []configValue) {
	merged.metaStream.doMetaInitialBeginIfNecessary(traceID)
}

// onTopicMetaDataChanged reconciles the snapshot in two phases: every new
// leg joins fetchStreams before any BEGIN goes out, so the ready condition
// counts the whole expected partition set.
func (merged *mergedFetchStream) onTopicMetaDataChanged(traceID int64, partitions []partitionLeader) {
	var opening []*unmergedFetchStream
	for _, partition := range partitions {
		if newLeader := merged.onPartitionMetaDataChangedIfNecessary(traceID, partition); newLeader != nil {
			opening = append(opening, newLeader)
		}
	}
	for _, fetchStream := range opening {
		fetchStream.doFetchInitialBegin(traceID, fetchStream.pendingOffset)
	}
}

// onPartitionMetaDataChangedIfNecessary reconciles one partition against
// the current fetch substreams: a new partition opens a fetch, a changed
// leader closes the old fetch and opens a replacement at the retained
// progress offset.
func (merged *mergedFetchStream) onPartitionMetaDataChangedIfNecessary(traceID int64,
	partition partitionLeader) *unmergedFetchStream {
	var current *unmergedFetchStream
	for _, fetchStream := range merged.fetchStreams {
		if fetchStream.partitionID == partition.partitionID && !streamClosed(fetchStream.state) {
			current = fetchStream
			break
		}
	}

	if current != nil && current.leaderID == partition.leaderID {
		return nil
	}
	if current != nil {
		current.detached = true
		current.doFetchInitialEndIfNecessary(traceID)
		current.doFetchReplyResetIfNecessary(traceID)
		merged.removeFetchStream(current)
	}

	partitionOffset, found := merged.nextOffsetsByID[partition.partitionID]
	if !found {
		partitionOffset = merged.defaultOffset
	}
	newLeader := newUnmergedFetchStream(partition.partitionID, partition.leaderID, merged)
	newLeader.pendingOffset = partitionOffset
	merged.fetchStreams = append(merged.fetchStreams, newLeader)
	return newLeader
}

func (merged *mergedFetchStream) removeFetchStream(stream *unmergedFetchStream) {
	delete(merged.dispatcher.correlations, stream.replyID)
	delete(merged.dispatcher.streams, stream.initialID)
	for index, fetchStream := range merged.fetchStreams {
		if fetchStream == stream {
			merged.fetchStreams = append(merged.fetchStreams[:index], merged.fetchStreams[index+1:]...)
			return
		}
	}
}

// releaseCorrelations drops this coordinator's receivers from the
// dispatcher once the whole stream tree has closed.
func (merged *mergedFetchStream) releaseCorrelations() {
	if !streamClosed(merged.state) {
		return
	}
	d := merged.dispatcher
	delete(d.correlations, merged.replyID)
	delete(d.correlations, merged.describeStream.replyID)
	delete(d.streams, merged.describeStream.initialID)
	delete(d.correlations, merged.metaStream.replyID)
	delete(d.streams, merged.metaStream.initialID)
	for _, fetchStream := range merged.fetchStreams {
		delete(d.correlations, fetchStream.replyID)
		delete(d.streams, fetchStream.initialID)
	}
}

// onPartitionReady opens the client reply once every expected partition
// fetch has its reply open.
func (merged *mergedFetchStream) onPartitionReady(traceID int64, partitionID int32) {
	if _, found := merged.nextOffsetsByID[partitionID]; !found {
		merged.nextOffsetsByID[partitionID] = merged.defaultOffset
	}
	if len(merged.nextOffsetsByID) == len(merged.fetchStreams) {
		merged.doMergedReplyBeginIfNecessary(traceID)
		if initialClosed(merged.state) {
			merged.doMergedReplyEndIfNecessary(traceID)
		}
	}
}
