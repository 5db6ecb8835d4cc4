package l2cache

// Hooks are callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
// Wrap slow ones with hooks/async.
type Hooks interface {
	// An entry was dropped on read.
	// reason ∈ {"corrupt", "stale", "decode"}
	SelfHeal(region, storageKey, reason string)

	// Provider returned ok=false on Set (admission/pressure).
	ProviderSetRejected(region, storageKey string)

	// GenStore failures. On snapshot errors reads miss and writes are skipped.
	GenSnapshotError(region string, err error)
	GenBumpError(region string, err error)

	// A query region's timestamp moved because of a mutation.
	RegionInvalidated(region string, gen uint64)

	// A region was evicted; dropped is the number of resident entries cleared.
	RegionEvicted(region string, dropped int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string, string)    {}
func (NopHooks) ProviderSetRejected(string, string) {}
func (NopHooks) GenSnapshotError(string, error)     {}
func (NopHooks) GenBumpError(string, error)         {}
func (NopHooks) RegionInvalidated(string, uint64)   {}
func (NopHooks) RegionEvicted(string, int)          {}
