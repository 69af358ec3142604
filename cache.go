package kfetch

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/esdb/pbloom"
	lru "github.com/hashicorp/golang-lru"
	"github.com/v2pro/plz/countlog"
)

// Cache is the on-disk topic cache shared by every dispatcher: topics own
// partitions, partitions own segment chains. The ingest surface (Append,
// UpdateLeaders, UpdateConfig) feeds it and wakes the streams parked on the
// corresponding topic or partition.
type Cache struct {
	mutex           sync.Mutex
	directory       string
	segmentBytes    int32
	indexBytes      int32
	hashingStrategy *pbloom.HashingStrategy
	entryCache      *lru.ARCCache
	topics          map[string]*cacheTopic
}

type cacheTopic struct {
	mutex          sync.Mutex
	name           string
	directory      string
	partitions     map[int32]*cachePartition
	configs        map[string]string
	leaders        map[int32]int32
	nextWatcherID  int64
	configWatchers map[int64]func()
	metaWatchers   map[int64]func()
	fetchWatchers  map[int32]map[int64]func()
}

// The config keys a describe stream retrieves, with Kafka's default
// values.
var topicConfigNames = []string{
	"cleanup.policy",
	"max.message.bytes",
	"segment.bytes",
	"segment.index.bytes",
	"segment.ms",
	"retention.bytes",
	"retention.ms",
	"delete.retention.ms",
	"min.compaction.lag.ms",
	"max.compaction.lag.ms",
	"min.cleanable.dirty.ratio",
}

var topicConfigDefaults = map[string]string{
	"cleanup.policy":            "delete",
	"max.message.bytes":         "1000012",
	"segment.bytes":             "1073741824",
	"segment.index.bytes":       "10485760",
	"segment.ms":                "604800000",
	"retention.bytes":           "-1",
	"retention.ms":              "604800000",
	"delete.retention.ms":       "86400000",
	"min.compaction.lag.ms":     "0",
	"max.compaction.lag.ms":     "9223372036854775807",
	"min.cleanable.dirty.ratio": "0.5",
}

func newCache(ctx countlog.Context, config Config) (*Cache, error) {
	entryCache, err := lru.NewARC(config.EntryCacheSize)
	if err != nil {
		return nil, err
	}
	cache := &Cache{
		directory:    config.CacheDirectory,
		segmentBytes: config.SegmentBytes,
		indexBytes:   config.SegmentIndexBytes,
		hashingStrategy: pbloom.NewHashingStrategy(
			pbloom.HasherFnv, 2454, pbloom.BatchPutLocationsPerElement),
		entryCache: entryCache,
		topics:     map[string]*cacheTopic{},
	}
	if !config.TopicBootstrapDisabled {
		if err := cache.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// bootstrap loads every topic found under the cache directory, discovering
// partitions and segments by file naming.
func (cache *Cache) bootstrap(ctx countlog.Context) error {
	topicDirs, err := os.ReadDir(cache.directory)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, topicDir := range topicDirs {
		if !topicDir.IsDir() {
			continue
		}
		topic := cache.supplyTopic(topicDir.Name())
		partitionDirs, err := os.ReadDir(topic.directory)
		if err != nil {
			return err
		}
		for _, partitionDir := range partitionDirs {
			partitionID, err := strconv.Atoi(partitionDir.Name())
			if err != nil {
				continue
			}
			partition := topic.supplyPartition(cache, int32(partitionID))
			if err := cache.bootstrapPartition(ctx, partition); err != nil {
				return err
			}
		}
		countlog.Info("event!cache.bootstrapped topic",
			"topic", topic.name, "partitions", len(topic.partitions))
	}
	return nil
}

func (cache *Cache) bootstrapPartition(ctx countlog.Context, partition *cachePartition) error {
	files, err := os.ReadDir(partition.directory)
	if err != nil {
		return err
	}
	var baseOffsets []int64
	for _, file := range files {
		name := file.Name()
		if path.Ext(name) != ".log" {
			continue
		}
		baseOffset, err := strconv.ParseInt(name[:len(name)-len(".log")], 10, 64)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, baseOffset)
	}
	sort.Slice(baseOffsets, func(i, j int) bool { return baseOffsets[i] < baseOffsets[j] })
	for _, baseOffset := range baseOffsets {
		segment, err := openSegment(ctx, partition.directory, baseOffset,
			biterSlot(partition.segmentCount))
		if err != nil {
			return err
		}
		partition.link(segment)
	}
	return nil
}

func (cache *Cache) supplyTopic(name string) *cacheTopic {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	topic, found := cache.topics[name]
	if !found {
		configs := map[string]string{}
		for configName, value := range topicConfigDefaults {
			configs[configName] = value
		}
		topic = &cacheTopic{
			name:           name,
			directory:      path.Join(cache.directory, name),
			partitions:     map[int32]*cachePartition{},
			configs:        configs,
			leaders:        map[int32]int32{},
			configWatchers: map[int64]func(){},
			metaWatchers:   map[int64]func(){},
			fetchWatchers:  map[int32]map[int64]func(){},
		}
		cache.topics[name] = topic
	}
	return topic
}

func (cache *Cache) lookupTopic(name string) *cacheTopic {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.topics[name]
}

func (topic *cacheTopic) supplyPartition(cache *Cache, partitionID int32) *cachePartition {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	partition, found := topic.partitions[partitionID]
	if !found {
		partition = newCachePartition(partitionID,
			path.Join(topic.directory, fmt.Sprintf("%d", partitionID)),
			cache.hashingStrategy, cache.segmentBytes, cache.indexBytes)
		topic.partitions[partitionID] = partition
		if _, hasLeader := topic.leaders[partitionID]; !hasLeader {
			topic.leaders[partitionID] = 0
		}
	}
	return partition
}

func (topic *cacheTopic) lookupPartition(partitionID int32) *cachePartition {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	return topic.partitions[partitionID]
}

func (topic *cacheTopic) partitionLeaders() []partitionLeader {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	leaders := make([]partitionLeader, 0, len(topic.leaders))
	for partitionID, leaderID := range topic.leaders {
		leaders = append(leaders, partitionLeader{partitionID: partitionID, leaderID: leaderID})
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i].partitionID < leaders[j].partitionID })
	return leaders
}

func (topic *cacheTopic) leaderOf(partitionID int32) (int32, bool) {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	leaderID, found := topic.leaders[partitionID]
	return leaderID, found
}

func (topic *cacheTopic) configSnapshot() []configValue {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	configs := make([]configValue, 0, len(topicConfigNames))
	for _, name := range topicConfigNames {
		configs = append(configs, configValue{name: name, value: topic.configs[name]})
	}
	return configs
}

// Append is the ingest surface: it appends one record to a topic partition
// and wakes fetch streams parked on it. Topics and partitions come into
// being on first append.
func (cache *Cache) Append(ctx countlog.Context, topicName string, partitionID int32,
	record Record) (int64, error) {
	topic := cache.supplyTopic(topicName)
	partition := topic.supplyPartition(cache, partitionID)
	offset, err := partition.append(ctx, record)
	ctx.TraceCall("callee!partition.append", err)
	if err != nil {
		return 0, err
	}
	topic.notifyFetch(partitionID)
	return offset, nil
}

// Retain applies the retention decision of the ingest side: sealed
// segments ending before offset are retired once their readers let go.
func (cache *Cache) Retain(topicName string, partitionID int32, offset int64) {
	topic := cache.lookupTopic(topicName)
	if topic == nil {
		return
	}
	partition := topic.lookupPartition(partitionID)
	if partition == nil {
		return
	}
	partition.retainFrom(offset)
}

// UpdateLeaders replaces the partition leader table and wakes meta streams.
func (cache *Cache) UpdateLeaders(topicName string, leaders map[int32]int32) {
	topic := cache.supplyTopic(topicName)
	topic.mutex.Lock()
	topic.leaders = map[int32]int32{}
	for partitionID, leaderID := range leaders {
		topic.leaders[partitionID] = leaderID
	}
	watchers := snapshotWatchers(topic.metaWatchers)
	topic.mutex.Unlock()
	for _, watcher := range watchers {
		watcher()
	}
}

// UpdateConfig changes one topic config value and wakes describe streams.
func (cache *Cache) UpdateConfig(topicName string, name string, value string) {
	topic := cache.supplyTopic(topicName)
	topic.mutex.Lock()
	topic.configs[name] = value
	watchers := snapshotWatchers(topic.configWatchers)
	topic.mutex.Unlock()
	for _, watcher := range watchers {
		watcher()
	}
}

func snapshotWatchers(watchers map[int64]func()) []func() {
	snapshot := make([]func(), 0, len(watchers))
	for _, watcher := range watchers {
		snapshot = append(snapshot, watcher)
	}
	return snapshot
}

// watchConfig registers a wakeup for config changes; the returned cancel
// deregisters it on stream teardown.
func (topic *cacheTopic) watchConfig(watcher func()) func() {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	id := topic.nextWatcherID
	topic.nextWatcherID++
	topic.configWatchers[id] = watcher
	return func() {
		topic.mutex.Lock()
		defer topic.mutex.Unlock()
		delete(topic.configWatchers, id)
	}
}

func (topic *cacheTopic) watchMeta(watcher func()) func() {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	id := topic.nextWatcherID
	topic.nextWatcherID++
	topic.metaWatchers[id] = watcher
	return func() {
		topic.mutex.Lock()
		defer topic.mutex.Unlock()
		delete(topic.metaWatchers, id)
	}
}

func (topic *cacheTopic) watchFetch(partitionID int32, watcher func()) func() {
	topic.mutex.Lock()
	defer topic.mutex.Unlock()
	id := topic.nextWatcherID
	topic.nextWatcherID++
	watchers := topic.fetchWatchers[partitionID]
	if watchers == nil {
		watchers = map[int64]func(){}
		topic.fetchWatchers[partitionID] = watchers
	}
	watchers[id] = watcher
	return func() {
		topic.mutex.Lock()
		defer topic.mutex.Unlock()
		delete(topic.fetchWatchers[partitionID], id)
	}
}

func (topic *cacheTopic) notifyFetch(partitionID int32) {
	topic.mutex.Lock()
	watchers := snapshotWatchers(topic.fetchWatchers[partitionID])
	topic.mutex.Unlock()
	for _, watcher := range watchers {
		watcher()
	}
}

func (cache *Cache) Close() {
	cache.mutex.Lock()
	topics := cache.topics
	cache.topics = map[string]*cacheTopic{}
	cache.mutex.Unlock()
	for _, topic := range topics {
		topic.mutex.Lock()
		partitions := topic.partitions
		topic.partitions = map[int32]*cachePartition{}
		topic.mutex.Unlock()
		for _, partition := range partitions {
			partition.close()
		}
	}
}

// topicKey hashes the topic bytes; identity hashing of interned strings is
// not a thing worth imitating.
func topicKey(topic string) uint32 {
	return uint32(xxhash.Sum64String(topic))
}

func topicPartitionKey(topic string, partitionID int32) uint64 {
	return uint64(topicKey(topic))<<32 | uint64(uint32(partitionID))
}
