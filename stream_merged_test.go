package kfetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_merged_stream_opens_reply_after_handshake(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0, 1: 0, 2: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	should.Len(client.recorder.begins(), 1)
	should.Empty(client.recorder.resets())
}

func Test_merged_stream_rejects_unknown_route(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.AddRoute("other-topic", DeltaNone)

	begin := &beginFrame{
		frameHeader: frameHeader{routeID: 999, streamID: d.supplyInitialID()},
		ex:          &mergedBeginEx{topic: "t"},
	}
	recorder := &frameRecorder{}
	should.Nil(d.newStream(recorder.consume, begin))
}

func Test_merged_stream_forwards_records_with_progress(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0, 1: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	client.window(1 << 20)

	appendValue(t, gateway, "t", 0, "a", "A1")
	drain(d)
	appendValue(t, gateway, "t", 1, "b", "B1")
	drain(d)
	appendValue(t, gateway, "t", 0, "a", "A2")
	drain(d)

	should.Equal([]PartitionOffset{
		{PartitionID: 0, PartitionOffset: 0},
		{PartitionID: 1, PartitionOffset: 0},
		{PartitionID: 0, PartitionOffset: 1},
	}, client.emitted())

	exs := client.recorder.mergedDatas()
	last := exs[len(exs)-1]
	should.Equal([]PartitionOffset{
		{PartitionID: 0, PartitionOffset: 2},
		{PartitionID: 1, PartitionOffset: 1},
	}, last.progress)
	should.Equal([]byte("a"), last.key.value)
}

func Test_merged_stream_round_robin_credit(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0, 1: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})

	// queue two records per partition before granting any credit
	appendValue(t, gateway, "t", 0, "k", "aa")
	appendValue(t, gateway, "t", 0, "k", "bb")
	appendValue(t, gateway, "t", 1, "k", "cc")
	appendValue(t, gateway, "t", 1, "k", "dd")
	drain(d)

	// each window covers exactly one record, successive windows start the
	// round robin at successive partitions
	client.window(2)
	client.window(2)
	client.window(2)
	client.window(2)

	emitted := client.emitted()
	should.Len(emitted, 4)
	should.Equal(int32(0), emitted[0].PartitionID)
	should.Equal(int32(1), emitted[1].PartitionID)
	should.Equal(int32(0), emitted[2].PartitionID)
	should.Equal(int32(1), emitted[3].PartitionID)
}

func Test_merged_stream_reserved_never_exceeds_credit(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0, 1: 0, 2: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	for i := 0; i < 9; i++ {
		appendValue(t, gateway, "t", int32(i%3), "k", "0123456789")
	}
	drain(d)

	credited := int32(0)
	for i := 0; i < 5; i++ {
		client.window(25)
		credited += 25
	}
	reserved := int32(0)
	for _, data := range client.recorder.datas() {
		reserved += data.reserved
	}
	should.True(reserved <= credited)
	should.True(len(client.recorder.datas()) > 0)
}

func Test_merged_stream_client_end_closes_everything(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	client.window(1024)
	client.end()

	should.Len(client.recorder.ends(), 1)
	should.Empty(client.recorder.aborts())
	should.Empty(d.correlations)
	should.Empty(d.streams)
}

func Test_merged_stream_client_reset_cascades(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	client.window(1024)
	client.reset()

	should.Len(client.recorder.resets(), 1)
	should.Empty(d.correlations)
	should.Empty(d.streams)
}

func Test_merged_stream_leader_change_resumes_without_gap(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t6", map[int32]int32{0: 1})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t6",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	client.window(1 << 20)

	for i := 0; i < 5; i++ {
		appendValue(t, gateway, "t6", 0, "k", "v")
	}
	drain(d)
	should.Len(client.emitted(), 5)

	gateway.cache.UpdateLeaders("t6", map[int32]int32{0: 2})
	drain(d)

	// the merged stream survived the leadership change
	should.Empty(client.recorder.resets())
	should.Empty(client.recorder.aborts())
	should.Empty(client.recorder.ends())

	for i := 5; i < 10; i++ {
		appendValue(t, gateway, "t6", 0, "k", "v")
	}
	drain(d)

	emitted := client.emitted()
	should.Len(emitted, 10)
	for i, pair := range emitted {
		should.Equal(int32(0), pair.PartitionID)
		should.Equal(int64(i), pair.PartitionOffset)
	}
}

func Test_merged_stream_config_change_keeps_client_stream_open(t *testing.T) {
	should := require.New(t)
	gateway, d := testGateway(t)
	gateway.cache.UpdateLeaders("t", map[int32]int32{0: 0})

	client := openMerged(t, gateway, d, &mergedBeginEx{
		topic:      "t",
		partitions: []PartitionOffset{{PartitionID: -1, PartitionOffset: OffsetEarliest}},
	})
	client.window(1024)

	gateway.cache.UpdateConfig("t", "retention.ms", "1000")
	drain(d)

	should.Empty(client.recorder.resets())
	should.Len(client.recorder.begins(), 1)
}
