package dto

import "time"

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	DeviceID    int64     `json:"device_id"`
	BuyerID     int64     `json:"buyer_id" binding:"required"`
	Link        string    `json:"link" binding:"required"`
	Cookies     string    `json:"cookies" binding:"required"`
	Keyword     string    `json:"keyword"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Quantity    int       `json:"quantity"`
	DelayMs     int64     `json:"delay_ms"`
	FrequencyMs int64     `json:"frequency_ms"`
	Strategy    int       `json:"strategy" binding:"required"`
	Extension   string    `json:"extension"`
}

// JobDTO is the API shape of a pending or in-flight job. Cookies and order
// parameters never leave the service.
type JobDTO struct {
	ID          int64  `json:"id"`
	DeviceID    int64  `json:"device_id"`
	BuyerID     int64  `json:"buyer_id"`
	WorkerTag   string `json:"worker_tag,omitempty"`
	Link        string `json:"link"`
	Keyword     string `json:"keyword,omitempty"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time,omitempty"`
	Quantity    int    `json:"quantity"`
	DelayMs     int64  `json:"delay_ms"`
	FrequencyMs int64  `json:"frequency_ms"`
	Strategy    string `json:"strategy"`
	Status      int    `json:"status"`
	Extension   string `json:"extension,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ListJobsRequest holds the query parameters of GET /api/v1/jobs.
type ListJobsRequest struct {
	BuyerID int64 `form:"buyer_id" binding:"required"`
}

// ListJobsResponse is the body of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// ResultDTO is the API shape of a settled race.
type ResultDTO struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	DeviceID        int64  `json:"device_id"`
	BuyerID         int64  `json:"buyer_id"`
	Link            string `json:"link"`
	Keyword         string `json:"keyword,omitempty"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Quantity        int    `json:"quantity"`
	Strategy        string `json:"strategy"`
	ResponseMessage string `json:"response_message"`
	Status          int    `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// ListResultsRequest holds the query parameters of GET /api/v1/results.
type ListResultsRequest struct {
	BuyerID int64 `form:"buyer_id" binding:"required"`
	Limit   int   `form:"limit"`
}

// ListResultsResponse is the body of GET /api/v1/results.
type ListResultsResponse struct {
	Results []ResultDTO `json:"results"`
}
