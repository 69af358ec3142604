package kfetch

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
	"github.com/v2pro/plz/concurrent"
	"github.com/v2pro/plz/countlog"
)

// Gateway is a Kafka-facing streaming gateway core: merged fetch stream
// coordination over an on-disk topic cache. Transports decode frames off
// the wire and feed them in; the gateway fans a merged subscription out
// into describe, meta and per-partition fetch substreams and merges the
// results back into one client stream.
type Gateway struct {
	Config
	mutex       sync.Mutex
	cache       *Cache
	routes      []route
	dispatchers []*dispatcher
	executor    *concurrent.UnboundedExecutor
	nextRouteID int64
}

// route binds a client-facing route to the resolved cache service route
// serving its topic.
type route struct {
	routeID    int64
	topic      string
	deltaType  DeltaType
	resolvedID int64
}

func NewGateway(config Config) *Gateway {
	return &Gateway{Config: config.withDefaults()}
}

func (gateway *Gateway) Start() error {
	ctx := countlog.Ctx(context.Background())
	cache, err := newCache(ctx, gateway.Config)
	if err != nil {
		return err
	}
	gateway.cache = cache
	gateway.executor = concurrent.NewUnboundedExecutor()
	for i := 0; i < gateway.DispatcherCount; i++ {
		d := newDispatcher(gateway, i, gateway.DispatcherQueueSize)
		gateway.dispatchers = append(gateway.dispatchers, d)
		gateway.executor.Go(d.run)
	}
	countlog.Info("event!gateway.started",
		"cacheDirectory", gateway.CacheDirectory, "dispatchers", gateway.DispatcherCount)
	return nil
}

func (gateway *Gateway) Stop() {
	if gateway.executor != nil {
		gateway.executor.StopAndWaitForever()
	}
	if gateway.cache != nil {
		gateway.cache.Close()
	}
	countlog.Info("event!gateway.stopped")
}

func (gateway *Gateway) Cache() *Cache {
	return gateway.cache
}

// AddRoute registers a client route for a topic and returns its route id.
// A merged BEGIN on the route resolves to the cache service end.
func (gateway *Gateway) AddRoute(topic string, deltaType DeltaType) int64 {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.nextRouteID++
	routeID := gateway.nextRouteID
	gateway.nextRouteID++
	resolvedID := gateway.nextRouteID
	gateway.routes = append(gateway.routes, route{
		routeID:    routeID,
		topic:      topic,
		deltaType:  deltaType,
		resolvedID: resolvedID,
	})
	return routeID
}

// resolve matches a merged BEGIN against the route table: topic equality
// and delta compatibility, a NONE subscription rides any route.
func (gateway *Gateway) resolve(routeID int64, topic string, deltaType DeltaType) (route, bool) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	for _, r := range gateway.routes {
		if r.routeID != routeID {
			continue
		}
		if r.topic != topic {
			continue
		}
		if r.deltaType != deltaType && deltaType != DeltaNone {
			continue
		}
		return r, true
	}
	return route{}, false
}

// dispatcherFor shards streams by topic affinity.
func (gateway *Gateway) dispatcherFor(topic string) *dispatcher {
	index := int(murmur3.Sum32([]byte(topic))) % len(gateway.dispatchers)
	if index < 0 {
		index += len(gateway.dispatchers)
	}
	return gateway.dispatchers[index]
}
