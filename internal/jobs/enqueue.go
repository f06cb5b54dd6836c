package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// JobInserter is the part of *river.Client used to enqueue jobs.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer inserts ingest_file jobs with the retry policy's options.
type Enqueuer struct {
	client JobInserter
	policy *RetryPolicy
}

func NewEnqueuer(client JobInserter, ingestAttempts int) *Enqueuer {
	return &Enqueuer{client: client, policy: NewRetryPolicy(ingestAttempts)}
}

// EnqueueIngestFile inserts a job for args.Path. A job for the same
// arguments that has not finished yet is returned instead of a new one,
// with UniqueSkippedAsDuplicate set.
func (e *Enqueuer) EnqueueIngestFile(ctx context.Context, args IngestFileArgs) (*rivertype.JobInsertResult, error) {
	if e == nil || e.client == nil {
		return nil, errors.New("job queue not configured")
	}
	args.Path = strings.TrimSpace(args.Path)
	if args.Path == "" {
		return nil, errors.New("ingest job requires a path")
	}

	opts := e.policy.InsertOpts(JobKindIngestFile)
	opts.UniqueOpts = river.UniqueOpts{
		ByArgs: true,
		ByState: []rivertype.JobState{
			rivertype.JobStateAvailable,
			rivertype.JobStatePending,
			rivertype.JobStateRetryable,
			rivertype.JobStateRunning,
			rivertype.JobStateScheduled,
		},
	}

	res, err := e.client.Insert(ctx, args, &opts)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", JobKindIngestFile, err)
	}
	return res, nil
}
