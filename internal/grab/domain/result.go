package domain

import "time"

// ResultStatus categorizes how a race settled.
type ResultStatus int

const (
	// ResultSuccess means an order was created.
	ResultSuccess ResultStatus = 1
	// ResultRecoverable means the vendor rejected the purchase or the
	// attempt budget ran out; the product may still be obtainable.
	ResultRecoverable ResultStatus = 2
	// ResultFault means the engine itself failed unexpectedly.
	ResultFault ResultStatus = 3
)

// Result is the terminal record of one job. Exactly one result is persisted
// per job that finishes, fault or not.
type Result struct {
	ID              int64        `db:"id" json:"id"`
	JobID           int64        `db:"job_id" json:"job_id"`
	DeviceID        int64        `db:"device_id" json:"device_id"`
	BuyerID         int64        `db:"buyer_id" json:"buyer_id"`
	Link            string       `db:"link" json:"link"`
	Keyword         string       `db:"keyword" json:"keyword"`
	StartTime       time.Time    `db:"start_time" json:"start_time"`
	EndTime         time.Time    `db:"end_time" json:"end_time"`
	Quantity        int          `db:"quantity" json:"quantity"`
	Strategy        Strategy     `db:"strategy" json:"strategy"`
	Message         string       `db:"message" json:"message"`
	Extension       string       `db:"extension" json:"extension"`
	ResponseMessage string       `db:"response_message" json:"response_message"`
	Status          ResultStatus `db:"status" json:"status"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// ResultFromJob maps the job fields that survive into its result. The
// mapping is explicit and statically checked; response message, end time and
// status are filled in by the engine when the race settles.
func ResultFromJob(job *Job) *Result {
	return &Result{
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		BuyerID:   job.BuyerID,
		Link:      job.Link,
		Keyword:   job.Keyword,
		StartTime: job.StartTime,
		Quantity:  job.Quantity,
		Strategy:  job.Strategy,
		Message:   job.Message,
		Extension: job.Extension,
	}
}
