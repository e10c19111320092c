package domain

// ResultKind classifies how a fetch task ended.
type ResultKind string

const (
	ResultSuccess    ResultKind = "success"
	ResultFailure    ResultKind = "failure"
	ResultNoAccounts ResultKind = "no_accounts"
)

// FetchResult is what a fetch task reports back to the coordinator.
type FetchResult struct {
	Kind      ResultKind
	Entity    TrackedEntity
	NewItems  []Item
	LatestID  int64
	HasLatest bool
	AccountID string
	Attempts  int
	Err       error
}
