// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// MessageFeed is the slice of RemoteService the fetcher needs.
type MessageFeed interface {
	ListMessagesSince(ctx context.Context, since *int64, cursor string) (MessagePage, error)
}

// Fetcher pulls missed messages from the remote feed.
type Fetcher struct {
	feed     MessageFeed
	maxPages int
	log      zerolog.Logger
}

// NewFetcher returns a fetcher that reads at most maxPages pages per pull;
// zero means no limit.
func NewFetcher(feed MessageFeed, maxPages int, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		feed:     feed,
		maxPages: maxPages,
		log:      log.With().Str("component", "backfill").Logger(),
	}
}

// Pull returns every record created at or after since (nil means from the
// beginning). The boundary is inclusive so records sharing the checkpoint
// millisecond are not lost; re-applying them is a no-op. Records come back
// sorted by createdAt with id as the tie-break. A failure on a later page
// returns the records gathered so far together with the error, so callers
// can still apply the prefix.
func (f *Fetcher) Pull(ctx context.Context, since *int64) ([]MessageRecord, error) {
	var records []MessageRecord
	seen := make(map[string]struct{})
	cursor := ""
	pages := 0
	for {
		page, err := f.feed.ListMessagesSince(ctx, since, cursor)
		if err != nil {
			sortRecords(records)
			return records, fmt.Errorf("failed to fetch backfill page %d: %w", pages+1, err)
		}
		pages++
		for _, record := range page.Messages {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			records = append(records, record)
		}
		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			break
		}
		if f.maxPages > 0 && pages >= f.maxPages {
			f.log.Debug().Int("pages", pages).Msg("Backfill page limit reached, rest follows on next pull")
			break
		}
		cursor = *page.NextCursor
	}
	sortRecords(records)
	f.log.Debug().
		Int("pages", pages).
		Int("records", len(records)).
		Msg("Backfill pull finished")
	return records, nil
}

func sortRecords(records []MessageRecord) {
	slices.SortStableFunc(records, func(a, b MessageRecord) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
