package domain

import "time"

// CycleStats holds statistics about one polling cycle.
type CycleStats struct {
	CycleID     string
	Entities    int
	Succeeded   int
	Failed      int
	NoAccounts  int
	NewItems    int
	Delivered   int
	DeliveryErr int
	StateSaved  bool
	Duration    time.Duration
}
