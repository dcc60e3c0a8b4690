// Package ingest populates the local cache from upstream relays. Every run
// rebuilds a fixed menu of filters from the wall clock and replays each one
// against every upstream, writing what comes back straight into the store.
package ingest

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
)

// Menu labels, in menu order.
const (
	LabelArticles          = "articles"
	LabelRepliesByID       = "replies_by_id"
	LabelRepliesByCoord    = "replies_by_coordinate"
	LabelReactionsByID     = "reactions_by_id"
	LabelReactionsByCoord  = "reactions_by_coordinate"
	LabelHighlightsByCoord = "highlights_by_coordinate"
	LabelProfiles          = "profiles"
	LabelDeletions         = "deletions"
)

const day = 24 * time.Hour

// Windows are the trailing day counts of the time-bounded filters.
type Windows struct {
	ArticleDays  int
	ReplyDays    int
	DeletionDays int
}

// DefaultWindows and BackfillWindows are the stock day counts.
var (
	DefaultWindows  = Windows{ArticleDays: 7, ReplyDays: 3, DeletionDays: 30}
	BackfillWindows = Windows{ArticleDays: 90, ReplyDays: 30, DeletionDays: 30}
)

// MenuItem is one labelled filter of the menu.
type MenuItem struct {
	Label  string
	Filter nostr.Filter
}

// BuildMenu returns the filter menu for a run starting at now. Filters that
// reference known content are left out when refs has nothing for them,
// since they could never match.
func BuildMenu(now time.Time, w Windows, refs domain.References) []MenuItem {
	since := func(days int) *nostr.Timestamp {
		ts := nostr.Timestamp(now.Add(-time.Duration(days) * day).Unix())
		return &ts
	}

	replyKinds := []int{domain.KindTextNote, domain.KindComment}
	reactionKinds := []int{domain.KindReaction, domain.KindZapReceipt}

	menu := []MenuItem{{
		Label: LabelArticles,
		Filter: nostr.Filter{
			Kinds: []int{domain.KindLongFormArticle},
			Since: since(w.ArticleDays),
		},
	}}

	if len(refs.EventIDs) > 0 {
		menu = append(menu, MenuItem{
			Label: LabelRepliesByID,
			Filter: nostr.Filter{
				Kinds: replyKinds,
				Tags:  nostr.TagMap{"e": refs.EventIDs},
				Since: since(w.ReplyDays),
			},
		})
	}
	if len(refs.Coordinates) > 0 {
		menu = append(menu, MenuItem{
			Label: LabelRepliesByCoord,
			Filter: nostr.Filter{
				Kinds: replyKinds,
				Tags:  nostr.TagMap{"a": refs.Coordinates},
				Since: since(w.ReplyDays),
			},
		})
	}
	if len(refs.EventIDs) > 0 {
		menu = append(menu, MenuItem{
			Label: LabelReactionsByID,
			Filter: nostr.Filter{
				Kinds: reactionKinds,
				Tags:  nostr.TagMap{"e": refs.EventIDs},
			},
		})
	}
	if len(refs.Coordinates) > 0 {
		menu = append(menu,
			MenuItem{
				Label: LabelReactionsByCoord,
				Filter: nostr.Filter{
					Kinds: reactionKinds,
					Tags:  nostr.TagMap{"a": refs.Coordinates},
				},
			},
			MenuItem{
				Label: LabelHighlightsByCoord,
				Filter: nostr.Filter{
					Kinds: []int{domain.KindHighlight},
					Tags:  nostr.TagMap{"a": refs.Coordinates},
				},
			},
		)
	}

	profiles := nostr.Filter{Kinds: []int{domain.KindProfileMetadata}}
	if len(refs.Authors) > 0 {
		profiles.Authors = refs.Authors
	}
	menu = append(menu,
		MenuItem{Label: LabelProfiles, Filter: profiles},
		MenuItem{
			Label: LabelDeletions,
			Filter: nostr.Filter{
				Kinds: []int{domain.KindDeletion},
				Since: since(w.DeletionDays),
			},
		},
	)
	return menu
}

// Jobs expands the menu over the upstreams, upstream-major.
func Jobs(upstreams []string, menu []MenuItem) []domain.SyncJob {
	jobs := make([]domain.SyncJob, 0, len(upstreams)*len(menu))
	for _, up := range upstreams {
		for _, item := range menu {
			jobs = append(jobs, domain.SyncJob{Upstream: up, Label: item.Label, Filter: item.Filter})
		}
	}
	return jobs
}
