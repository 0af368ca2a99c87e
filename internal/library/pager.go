package library

import (
	"context"
)

// maxScanItems caps the cumulative offset a pagination loop may reach. It is
// far above any realistic catalog so the loop terminates even if a buggy
// server echoes a full page forever.
const maxScanItems = 500_000

// PageFunc fetches one page at offset with at most limit items. total is the
// server's count hint, or 0 when unknown.
type PageFunc[T any] func(ctx context.Context, offset, limit int) (items []T, total int, err error)

// FetchAllPages drains a paginated collection in strictly increasing offset
// order. A page shorter than the requested size signals exhaustion; the
// count hint is only used for progress. On error the items fetched so far
// are returned alongside it, so callers can choose to keep partial results.
//
// progress, when non-nil, receives a percentage clamped to [0,99] until the
// final page, then 100.
func FetchAllPages[T any](ctx context.Context, fetch PageFunc[T], pageSize int, progress func(percent int)) ([]T, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []T
	for offset := 0; offset < maxScanItems; offset += pageSize {
		// Cancellation point between pages.
		if err := ctx.Err(); err != nil {
			return all, err
		}
		items, total, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		if progress != nil && total > 0 {
			pct := len(all) * 100 / total
			if pct > 99 {
				pct = 99
			}
			progress(pct)
		}
		if len(items) < pageSize {
			break
		}
	}
	if progress != nil {
		progress(100)
	}
	return all, nil
}
