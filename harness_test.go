package kfetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/v2pro/plz/countlog"
)

var ctx = countlog.Ctx(context.Background())

// testGateway builds a gateway with one inline dispatcher: events enqueued
// by ingest watchers are executed by drain, everything else runs on the
// test goroutine.
func testGateway(t *testing.T) (*Gateway, *dispatcher) {
	gateway := NewGateway(Config{
		CacheDirectory:    t.TempDir(),
		SegmentBytes:      64 * 1024,
		SegmentIndexBytes: 8 * 1024,
	})
	cache, err := newCache(ctx, gateway.Config)
	require.NoError(t, err)
	gateway.cache = cache
	d := newDispatcher(gateway, 0, gateway.DispatcherQueueSize)
	gateway.dispatchers = []*dispatcher{d}
	t.Cleanup(cache.Close)
	return gateway, d
}

func drain(d *dispatcher) {
	for {
		select {
		case event := <-d.queue:
			event()
		default:
			return
		}
	}
}

// frameRecorder captures the frames a stream emits toward the test.
type frameRecorder struct {
	frames []frame
}

func (recorder *frameRecorder) consume(msg frame) {
	recorder.frames = append(recorder.frames, msg)
}

func (recorder *frameRecorder) begins() []*beginFrame {
	var begins []*beginFrame
	for _, msg := range recorder.frames {
		if begin, ok := msg.(*beginFrame); ok {
			begins = append(begins, begin)
		}
	}
	return begins
}

func (recorder *frameRecorder) datas() []*dataFrame {
	var datas []*dataFrame
	for _, msg := range recorder.frames {
		if data, ok := msg.(*dataFrame); ok {
			datas = append(datas, data)
		}
	}
	return datas
}

func (recorder *frameRecorder) mergedDatas() []*mergedDataEx {
	var exs []*mergedDataEx
	for _, data := range recorder.datas() {
		if ex, ok := data.ex.(*mergedDataEx); ok {
			exs = append(exs, ex)
		}
	}
	return exs
}

func (recorder *frameRecorder) ends() []*endFrame {
	var ends []*endFrame
	for _, msg := range recorder.frames {
		if end, ok := msg.(*endFrame); ok {
			ends = append(ends, end)
		}
	}
	return ends
}

func (recorder *frameRecorder) aborts() []*abortFrame {
	var aborts []*abortFrame
	for _, msg := range recorder.frames {
		if abort, ok := msg.(*abortFrame); ok {
			aborts = append(aborts, abort)
		}
	}
	return aborts
}

func (recorder *frameRecorder) resets() []*resetFrame {
	var resets []*resetFrame
	for _, msg := range recorder.frames {
		if reset, ok := msg.(*resetFrame); ok {
			resets = append(resets, reset)
		}
	}
	return resets
}

// testClient drives the client side of a merged stream.
type testClient struct {
	t         *testing.T
	d         *dispatcher
	recorder  *frameRecorder
	routeID   int64
	initialID int64
	replyID   int64
	consumer  messageConsumer
}

func openMerged(t *testing.T, gateway *Gateway, d *dispatcher,
	ex *mergedBeginEx) *testClient {
	require.Same(t, d, gateway.dispatcherFor(ex.topic))
	routeID := gateway.AddRoute(ex.topic, ex.deltaType)
	client := &testClient{
		t:         t,
		d:         d,
		recorder:  &frameRecorder{},
		routeID:   routeID,
		initialID: d.supplyInitialID(),
	}
	client.replyID = supplyReplyID(client.initialID)
	begin := &beginFrame{
		frameHeader: frameHeader{
			routeID:  routeID,
			streamID: client.initialID,
			traceID:  d.supplyTraceID(),
		},
		ex: ex,
	}
	client.consumer = d.newStream(client.recorder.consume, begin)
	require.NotNil(t, client.consumer)
	client.consumer(begin)
	return client
}

func (client *testClient) window(credit int32) {
	client.consumer(&windowFrame{
		frameHeader: frameHeader{
			routeID:  client.routeID,
			streamID: client.replyID,
			traceID:  client.d.supplyTraceID(),
		},
		budgetID: 1,
		credit:   credit,
	})
}

func (client *testClient) end() {
	client.consumer(&endFrame{frameHeader: frameHeader{
		routeID:  client.routeID,
		streamID: client.initialID,
		traceID:  client.d.supplyTraceID(),
	}})
}

func (client *testClient) reset() {
	client.consumer(&resetFrame{frameHeader: frameHeader{
		routeID:  client.routeID,
		streamID: client.replyID,
		traceID:  client.d.supplyTraceID(),
	}})
}

// emitted flattens the recorded merged data frames into (partition, offset)
// pairs in emission order.
func (client *testClient) emitted() []PartitionOffset {
	var pairs []PartitionOffset
	for _, ex := range client.recorder.mergedDatas() {
		pairs = append(pairs, ex.partition)
	}
	return pairs
}

func appendValue(t *testing.T, gateway *Gateway, topic string, partitionID int32,
	key string, value string, headers ...RecordHeader) int64 {
	offset, err := gateway.cache.Append(ctx, topic, partitionID, Record{
		Timestamp: 1000,
		Key:       []byte(key),
		Value:     []byte(value),
		Headers:   headers,
	})
	require.NoError(t, err)
	return offset
}
