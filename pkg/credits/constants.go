package credits

// MaxFreeCreditsPerPeriod is the monthly free allotment restored by rollover.
const MaxFreeCreditsPerPeriod int64 = 10

const (
	periodLayout = "2006-01"

	// Bounded retries for the optimistic read-modify-write cycle.
	maxConflictRetries = 3

	operationConsume = "consume"
	operationTopUp   = "top_up"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
