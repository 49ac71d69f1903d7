package pool

// Stats contains pool statistics.
type Stats struct {
	// Pool status
	Open    int // The number of connections owned by the pool, both in use and idle.
	Idle    int // The number of idle connections.
	InUse   int // The number of connections currently checked out.
	Pending int // The number of connections being created right now.
	MinSize int
	MaxSize int
	Primed  bool // The pool has reached MinSize at least once.
	Active  bool // Background validation is running.

	// Counters
	Created   int64 // The total number of connections created.
	Discarded int64 // The total number of connections closed for validity or size reasons.
	Exhausted int64 // The total number of checkouts refused because the pool was full.
	Leaked    int64 // The total number of connections still checked out on close.

	ValidationFailures int64 // The total number of failed background validation runs.
}
