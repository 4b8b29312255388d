package pagebuffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// Writer persists a buffered page's papers as Citations. It is satisfied by
// a thin adapter around store.CitationStore.Upsert plus the aggregate
// recompute the retry path also needs (§4.7).
type Writer interface {
	WritePage(ctx context.Context, page model.BufferedPage) error
}

// DrainInterval is how often the background drain task re-attempts
// retryable pages.
const DrainInterval = 30 * time.Second

// retryDelay is the short pause between individual page retries within one
// drain pass, mirroring the original implementation's rate-limiting sleep.
const retryDelay = 500 * time.Millisecond

// Drain periodically re-attempts the Citation upsert for pending pages
// with a fresh DB session (§4.5: "a background task periodically drains
// pending_pages, re-attempting the Citation upsert ... with a short delay
// between retries"). It blocks until ctx is cancelled.
func (b *Buffer) Drain(ctx context.Context, writer Writer) {
	ticker := time.NewTicker(DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce(ctx, writer)
		}
	}
}

func (b *Buffer) drainOnce(ctx context.Context, writer Writer) {
	pending, err := b.PendingPages(MaxRetries)
	if err != nil {
		b.logger.Error("list pending pages failed", slog.Any("error", err))

		return
	}

	if len(pending) == 0 {
		return
	}

	b.logger.Info("retrying buffered pages", slog.Int("count", len(pending)))

	succeeded := 0

	for _, page := range pending {
		if err := writer.WritePage(ctx, page); err != nil {
			if markErr := b.MarkFailed(page.JobID, page.PageNum, err.Error()); markErr != nil {
				b.logger.Error("mark failed during drain failed",
					slog.String("job_id", page.JobID), slog.Int("page_num", page.PageNum), slog.Any("error", markErr))
			}

			continue
		}

		if err := b.MarkSaved(page.JobID, page.PageNum); err != nil {
			b.logger.Error("mark saved during drain failed",
				slog.String("job_id", page.JobID), slog.Int("page_num", page.PageNum), slog.Any("error", err))

			continue
		}

		succeeded++

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}

	b.logger.Info("buffer drain complete", slog.Int("succeeded", succeeded), slog.Int("attempted", len(pending)))
}
