package kfetch

import (
	"context"

	"github.com/v2pro/plz/countlog"
)

// dispatcher owns a disjoint shard of streams. Every event of a merged
// stream and all of its substreams runs on the same dispatcher, one event
// at a time, so streams never lock. Cross-thread sources (the ingest
// watchers) enter through enqueue.
type dispatcher struct {
	gateway      *Gateway
	index        int
	queue        chan func()
	creditor     *budgetCreditor
	streams      map[int64]messageConsumer
	correlations map[int64]messageConsumer
	nextStreamID int64
	nextTraceID  int64
}

func newDispatcher(gateway *Gateway, index int, queueSize int) *dispatcher {
	return &dispatcher{
		gateway:      gateway,
		index:        index,
		queue:        make(chan func(), queueSize),
		creditor:     newBudgetCreditor(),
		streams:      map[int64]messageConsumer{},
		correlations: map[int64]messageConsumer{},
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			event()
		}
	}
}

// enqueue schedules an event onto this dispatcher from another goroutine.
func (d *dispatcher) enqueue(event func()) {
	select {
	case d.queue <- event:
	default:
		countlog.Error("event!dispatcher.queue overflow", "dispatcher", d.index)
	}
}

// supplyInitialID allocates a stream id with the initial direction bit set.
func (d *dispatcher) supplyInitialID() int64 {
	d.nextStreamID++
	return d.nextStreamID<<1 | 1
}

func supplyReplyID(initialID int64) int64 {
	return initialID &^ 1
}

func (d *dispatcher) supplyTraceID() int64 {
	d.nextTraceID++
	return d.nextTraceID
}

// supplyReceiver binds the initial half of a new substream toward the
// resolved cache service route: the first Begin instantiates the cache
// side stream, later frames follow it.
func (d *dispatcher) supplyReceiver(resolvedID int64, initialID int64) messageConsumer {
	return func(msg frame) {
		if begin, isBegin := msg.(*beginFrame); isBegin {
			handler := d.newCacheStream(resolvedID, begin)
			if handler == nil {
				countlog.Error("event!dispatcher.no cache stream for begin",
					"resolvedId", resolvedID, "streamId", begin.streamID)
				d.rejectBegin(begin)
				return
			}
			d.streams[initialID] = handler
			handler(msg)
			return
		}
		if handler, found := d.streams[initialID]; found {
			handler(msg)
		}
	}
}

func (d *dispatcher) rejectBegin(begin *beginFrame) {
	sender := d.correlated(supplyReplyID(begin.streamID))
	sender(&resetFrame{frameHeader: frameHeader{
		routeID:       begin.routeID,
		streamID:      begin.streamID,
		traceID:       begin.traceID,
		authorization: begin.authorization,
	}})
}

// correlated returns the consumer feeding frames back to whoever owns the
// reply id: the reply half and the initial throttle share it.
func (d *dispatcher) correlated(replyID int64) messageConsumer {
	return func(msg frame) {
		if handler, found := d.correlations[replyID]; found {
			handler(msg)
		}
	}
}

// newCacheStream instantiates the cache-facing end of a substream from its
// Begin extension.
func (d *dispatcher) newCacheStream(resolvedID int64, begin *beginFrame) messageConsumer {
	switch ex := begin.ex.(type) {
	case *describeBeginEx:
		return newCacheDescribeStream(d, resolvedID, begin, ex).onInitial
	case *metaBeginEx:
		return newCacheMetaStream(d, resolvedID, begin, ex).onInitial
	case *fetchBeginEx:
		return newCacheFetchStream(d, resolvedID, begin, ex).onInitial
	default:
		return nil
	}
}

// newStream is the client-facing stream factory: a merged BEGIN resolves a
// route and spawns the coordinator.
func (d *dispatcher) newStream(sender messageConsumer, begin *beginFrame) messageConsumer {
	mergedEx, isMerged := begin.ex.(*mergedBeginEx)
	if !isMerged {
		return nil
	}
	resolved, found := d.gateway.resolve(begin.routeID, mergedEx.topic, mergedEx.deltaType)
	if !found {
		return nil
	}
	defaultOffset := OffsetEarliest
	initialOffsets := map[int32]int64{}
	for _, partition := range mergedEx.partitions {
		if partition.PartitionID == defaultPartitionID {
			defaultOffset = partition.PartitionOffset
		} else if partition.PartitionID >= 0 {
			initialOffsets[partition.PartitionID] = partition.PartitionOffset
		}
	}
	merged := newMergedFetchStream(d, sender, begin, mergedEx.topic, resolved.resolvedID,
		initialOffsets, defaultOffset, mergedEx.filters, mergedEx.deltaType)
	return merged.onMergedInitial
}
