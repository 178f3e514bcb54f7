package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/folio/book"
)

// Logging returns middleware that logs unit attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, u *book.ChapterUnit, next Handler) error {
		logger.Info("unit attempt started",
			slog.String("job_id", u.JobID.String()),
			slog.Int("unit_index", u.Index),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("unit attempt failed",
				slog.String("job_id", u.JobID.String()),
				slog.Int("unit_index", u.Index),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("unit attempt completed",
				slog.String("job_id", u.JobID.String()),
				slog.Int("unit_index", u.Index),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
