package federation

// The event DAG is stored as five named bbolt buckets within a single
// database file, mirroring the five-tree layout of the prototype this
// store's semantics were carried over from: one bucket per concern, no
// secondary indexes layered on top.
var (
	eventsBucket    = []byte("events")
	parentsBucket   = []byte("parents")
	childrenBucket  = []byte("children")
	tipsBucket      = []byte("tips")
	sequencesBucket = []byte("sequences")
)

var allBuckets = [][]byte{eventsBucket, parentsBucket, childrenBucket, tipsBucket, sequencesBucket}
