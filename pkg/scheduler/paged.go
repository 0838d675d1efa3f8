package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// PageFetcher returns up to limit items starting at offset. A short or empty page ends the run.
type PageFetcher[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// ItemProcessor handles one item of a page.
type ItemProcessor[T any] func(ctx context.Context, item T) error

// PagedJob is a JobRunner that walks a data set in pages of PageSize items and
// processes each page with at most ThreadSize concurrent workers.
type PagedJob[T any] struct {
	Fetch  PageFetcher[T]
	Handle ItemProcessor[T]
	// PageSize and ThreadSize usually come from the task JobConfig.
	PageSize   int
	ThreadSize int
}

// NewPagedJob builds a PagedJob sized by cfg.
func NewPagedJob[T any](cfg JobConfig, fetch PageFetcher[T], process ItemProcessor[T]) *PagedJob[T] {
	cfg.normalize()
	return &PagedJob[T]{
		Fetch:      fetch,
		Handle:     process,
		PageSize:   cfg.PageSize,
		ThreadSize: cfg.ThreadSize,
	}
}

// Run processes pages until the fetcher is exhausted or an item fails. Items of
// the failing page that already started still finish; later pages are not fetched.
func (j *PagedJob[T]) Run(ctx context.Context) (processed int, err error) {
	if j.Fetch == nil || j.Handle == nil {
		return 0, schedulerError(ErrInvalidArgument, "paged job requires fetch and handle functions")
	}
	pageSize := j.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	workers := j.ThreadSize
	if workers <= 0 {
		workers = DefaultThreadSize
	}

	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		page, err := j.Fetch(ctx, offset, pageSize)
		if err != nil {
			return processed, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			return processed, nil
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(workers)
		for _, item := range page {
			group.Go(func() error {
				return j.Handle(groupCtx, item)
			})
		}
		if err := group.Wait(); err != nil {
			return processed, fmt.Errorf("process page at offset %d: %w", offset, err)
		}
		processed += len(page)

		if len(page) < pageSize {
			return processed, nil
		}
	}
}

// Process satisfies JobRunner.
func (j *PagedJob[T]) Process(ctx context.Context, _ LeaseRecord) error {
	_, err := j.Run(ctx)
	return err
}
