package model

import "time"

// SourceFile is a blob listed from the source container. Immutable once listed.
type SourceFile struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Container string    `json:"container"`
}

// Tier is a blob access tier.
type Tier string

const (
	TierHot     Tier = "Hot"
	TierCool    Tier = "Cool"
	TierCold    Tier = "Cold"
	TierArchive Tier = "Archive"
)

// RunStatus is the persisted outcome of an ETL run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)
