package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/params"
)

// JobStore is the persistence surface the API handlers use.
type JobStore interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context, buyerID int64) ([]domain.Job, error)
	DeleteJob(ctx context.Context, id int64) error
	ListResults(ctx context.Context, buyerID int64, limit int) ([]domain.Result, error)
	GetResultByID(ctx context.Context, id int64) (*domain.Result, error)
}

// LinkChecker fetches the order data a submitted link points at, proving the
// link is buyable before the job is accepted. Satisfied by the transport
// client.
type LinkChecker interface {
	FetchCatalogData(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JobStore
	LinkChecker LinkChecker
	Builder     params.Builder
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	store       JobStore
	linkChecker LinkChecker
	builder     params.Builder
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		linkChecker: deps.LinkChecker,
		builder:     deps.Builder,
	}
}
