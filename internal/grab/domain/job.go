package domain

import (
	"encoding/json"
	"time"
)

// Strategy selects how a job's purchase window is attacked.
type Strategy int

const (
	// StrategyTimed races a known sale instant.
	StrategyTimed Strategy = 1
	// StrategyManual watches a seller's listing for a manually added item.
	StrategyManual Strategy = 2
	// StrategyPick polls stock and buys opportunistically.
	StrategyPick Strategy = 3
)

func (s Strategy) String() string {
	switch s {
	case StrategyTimed:
		return "timed"
	case StrategyManual:
		return "manual"
	case StrategyPick:
		return "pick"
	default:
		return "unknown"
	}
}

// JobStatus is owned exclusively by the dispatch scheduler and only ever
// advances forward. A job leaves InFlight by being deleted once its result
// is persisted.
type JobStatus int

const (
	StatusPending  JobStatus = 1
	StatusInFlight JobStatus = 2
)

// Job is one user-submitted purchase intent with a target time window and
// strategy. OrderParameters is rebuilt by the parameter builder and owned by
// the race engine for the duration of one attempt sequence.
type Job struct {
	ID              int64     `db:"id" json:"id"`
	DeviceID        int64     `db:"device_id" json:"device_id"`
	BuyerID         int64     `db:"buyer_id" json:"buyer_id"`
	WorkerTag       string    `db:"worker_tag" json:"worker_tag"`
	Link            string    `db:"link" json:"link"`
	Cookies         string    `db:"cookies" json:"-"`
	Keyword         string    `db:"keyword" json:"keyword"`
	StartTime       time.Time `db:"start_time" json:"start_time"`
	EndTime         time.Time `db:"end_time" json:"end_time"`
	Quantity        int       `db:"quantity" json:"quantity"`
	DelayMs         int64     `db:"delay_ms" json:"delay_ms"`
	FrequencyMs     int64     `db:"frequency_ms" json:"frequency_ms"`
	Strategy        Strategy  `db:"strategy" json:"strategy"`
	Status          JobStatus `db:"status" json:"status"`
	OrderParameters string    `db:"order_parameters" json:"-"`
	OrderInfo       string    `db:"order_info" json:"order_info"`
	Message         string    `db:"message" json:"message"`
	Extension       string    `db:"extension" json:"extension"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// ExtensionFlags are per-job strategy toggles carried in the extension blob.
type ExtensionFlags struct {
	QuickMode     bool `json:"quickMode"`
	SteadyOrder   bool `json:"steadyOrder"`
	AutoPick      bool `json:"autoPick"`
	EmailReminder bool `json:"emailReminder"`
}

// Flags decodes the extension blob. Malformed or empty blobs yield the zero
// flag set rather than an error; a missing toggle means "off".
func (j *Job) Flags() ExtensionFlags {
	var flags ExtensionFlags
	if j.Extension == "" {
		return flags
	}
	_ = json.Unmarshal([]byte(j.Extension), &flags)
	return flags
}

// AttemptRecord is one entry of the append-only per-race attempt log, kept
// for audit inside the persisted result.
type AttemptRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Attempt   int             `json:"attempt"`
	Status    json.RawMessage `json:"status"`
}
