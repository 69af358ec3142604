package kfetch

// Message frames exchanged between streams. Transport encoding and socket
// I/O live outside this module; collaborators hand fully decoded frames to
// a dispatcher and receive decoded frames back through a messageConsumer.

type messageConsumer func(msg frame)

type frameHeader struct {
	routeID       int64
	streamID      int64 // low bit set = initial direction
	traceID       int64
	authorization int64
}

type frame interface {
	header() *frameHeader
}

func (h *frameHeader) header() *frameHeader {
	return h
}

const (
	dataFlagFin  = 0x01
	dataFlagInit = 0x02
)

type beginFrame struct {
	frameHeader
	affinity int64
	ex       beginEx
}

type dataFrame struct {
	frameHeader
	flags    int32
	budgetID int64
	reserved int32
	payload  []byte
	ex       dataEx
}

type endFrame struct {
	frameHeader
}

type abortFrame struct {
	frameHeader
}

type windowFrame struct {
	frameHeader
	budgetID int64
	credit   int32
	padding  int32
}

type resetFrame struct {
	frameHeader
	ex *resetEx
}

// BEGIN extensions

type beginEx interface {
	beginExKind() string
}

// PartitionOffset pairs a partition id with an offset. In a merged BEGIN,
// partition id -1 carries the default offset and OffsetEarliest subscribes
// from the oldest retained record.
type PartitionOffset struct {
	PartitionID     int32
	PartitionOffset int64
}

const (
	defaultPartitionID = int32(-1)

	// OffsetEarliest subscribes from the oldest retained record.
	OffsetEarliest = int64(-2)
)

type mergedBeginEx struct {
	topic      string
	partitions []PartitionOffset
	filters    []Filter
	deltaType  DeltaType
}

type describeBeginEx struct {
	topic   string
	configs []string
}

type metaBeginEx struct {
	topic string
}

type fetchBeginEx struct {
	topic     string
	partition PartitionOffset
	filters   []Filter
	deltaType DeltaType
}

func (*mergedBeginEx) beginExKind() string   { return "merged" }
func (*describeBeginEx) beginExKind() string { return "describe" }
func (*metaBeginEx) beginExKind() string     { return "meta" }
func (*fetchBeginEx) beginExKind() string    { return "fetch" }

// DATA extensions

type dataEx interface {
	dataExKind() string
}

type configValue struct {
	name  string
	value string
}

type describeDataEx struct {
	configs []configValue
}

type partitionLeader struct {
	partitionID int32
	leaderID    int32
}

type metaDataEx struct {
	partitions []partitionLeader
}

type deltaInfo struct {
	deltaType      DeltaType
	ancestorOffset int64
}

type fetchDataEx struct {
	timestamp int64
	partition PartitionOffset
	key       messageKey
	delta     deltaInfo
	headers   []messageHeader
}

type mergedDataEx struct {
	timestamp int64
	partition PartitionOffset
	progress  []PartitionOffset
	key       messageKey
	delta     deltaInfo
	headers   []messageHeader
}

func (*describeDataEx) dataExKind() string { return "describe" }
func (*metaDataEx) dataExKind() string     { return "meta" }
func (*fetchDataEx) dataExKind() string    { return "fetch" }
func (*mergedDataEx) dataExKind() string   { return "merged" }

// RESET extension

const errorNotLeaderForPartition = int32(6)

type resetEx struct {
	err int32
}

// messageKey is a record key; a nil value is the null key.
type messageKey struct {
	value []byte
}

func (k messageKey) isNull() bool {
	return k.value == nil
}

type messageHeader struct {
	name  []byte
	value []byte
}

// DeltaType selects how record values are delivered relative to the prior
// version of the same key.
type DeltaType int8

const (
	DeltaNone DeltaType = iota
	DeltaJSONPatch
)

func (t DeltaType) String() string {
	switch t {
	case DeltaJSONPatch:
		return "json_patch"
	default:
		return "none"
	}
}

// Filter is one disjunct of a subscription filter; a record matches a
// subscription when any Filter matches, and a Filter matches when all its
// conditions do.
type Filter struct {
	Conditions []FilterCondition
}

// FilterCondition is one of KeyFilter, HeaderFilter, NotFilter or
// HeadersFilter.
type FilterCondition interface {
	filterConditionKind() string
}

// KeyFilter matches records whose key equals Value; nil Value matches the
// null key.
type KeyFilter struct {
	Value []byte
}

// HeaderFilter matches records carrying a header Name with exactly Value.
type HeaderFilter struct {
	Name  []byte
	Value []byte
}

// NotFilter matches records the nested condition does not match.
type NotFilter struct {
	Condition FilterCondition
}

// HeadersFilter matches records whose headers named Name form the given
// value sequence; a Skip entry consumes at most one intervening header of the
// same name.
type HeadersFilter struct {
	Name    []byte
	Matches []ValueMatch
}

// ValueMatch is one template entry of a HeadersFilter.
type ValueMatch struct {
	Skip  bool
	Value []byte
}

func (KeyFilter) filterConditionKind() string     { return "key" }
func (HeaderFilter) filterConditionKind() string  { return "header" }
func (NotFilter) filterConditionKind() string     { return "not" }
func (HeadersFilter) filterConditionKind() string { return "headers" }
