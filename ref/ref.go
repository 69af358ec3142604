package ref

import (
	"io"
	"sync/atomic"

	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// ReferenceCounted guards a set of resources shared between readers and a
// retirement path. The owner starts with one reference; every reader that
// wants to hold the resources across calls must Acquire before use and
// Close after. The final Close disposes the resources, and once the count
// reaches zero Acquire permanently fails, so a retired resource can never
// come back to life under a slow reader.
type ReferenceCounted struct {
	resourceName     string
	referenceCounter uint32
	resources        []io.Closer
}

func NewReferenceCounted(resourceName string, resources ...io.Closer) *ReferenceCounted {
	return &ReferenceCounted{resourceName: resourceName, referenceCounter: 1, resources: resources}
}

// Acquire takes a new reference, or reports false if the resource has
// already been retired.
func (refCnt *ReferenceCounted) Acquire() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			// already retired, files may be gone
			return false
		}
		if atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter+1) {
			return true
		}
	}
}

// Close drops one reference; the last reference out closes the underlying
// resources.
func (refCnt *ReferenceCounted) Close() error {
	if !refCnt.decreaseReference() {
		return nil // still referenced elsewhere
	}
	countlog.Trace("event!ref.retire reference counted resource",
		"resourceName", refCnt.resourceName)
	var errs []error
	for _, res := range refCnt.resources {
		if err := res.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return plz.MergeErrors(errs...)
}

func (refCnt *ReferenceCounted) decreaseReference() bool {
	for {
		counter := atomic.LoadUint32(&refCnt.referenceCounter)
		if counter == 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(&refCnt.referenceCounter, counter, counter-1) {
			return counter == 1 // last one disposes
		}
	}
}
