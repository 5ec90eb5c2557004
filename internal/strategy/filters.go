package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"newsflow-trader/pkg/types"
)

// checkFilters evaluates the strategy's filter set against one announcement.
// Returns a human-readable rejection reason and false on the first failing
// filter. Order: channel, direction, session, price range, country
// blacklist, mention cap, financing headline, headline excludes.
func (r *Runtime) checkFilters(ctx context.Context, ann types.Announcement) (string, bool) {
	f := r.cfg.Filters

	if len(f.Channels) > 0 && !containsFold(f.Channels, ann.Channel) {
		return fmt.Sprintf("channel %q not allowed", ann.Channel), false
	}

	if len(f.Directions) > 0 {
		found := false
		for _, d := range f.Directions {
			if d == ann.Direction {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("direction %q not allowed", ann.Direction), false
		}
	}

	if len(f.Sessions) > 0 {
		session := types.SessionAt(ann.Timestamp, r.nyLoc)
		found := false
		for _, s := range f.Sessions {
			if s == session {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("session %q not allowed", session), false
		}
	}

	// PriceThreshold of zero means the alert carried no price; the range
	// check cannot apply.
	if ann.PriceThreshold > 0 {
		if f.MinPrice > 0 && ann.PriceThreshold < f.MinPrice {
			return fmt.Sprintf("price %.2f below minimum %.2f", ann.PriceThreshold, f.MinPrice), false
		}
		if f.MaxPrice > 0 && ann.PriceThreshold > f.MaxPrice {
			return fmt.Sprintf("price %.2f above maximum %.2f", ann.PriceThreshold, f.MaxPrice), false
		}
	}

	if ann.Country != "" && containsFold(f.BlockedCountries, ann.Country) {
		return fmt.Sprintf("country %q blocked", ann.Country), false
	}

	if f.MaxMentions > 0 {
		since := midnightET(ann.Timestamp, r.nyLoc)
		n, err := r.store.CountRecentAnnouncements(ctx, ann.Ticker, since)
		if err != nil {
			r.logger.Warn("mention count failed, filter skipped", "ticker", ann.Ticker, "error", err)
		} else if n > f.MaxMentions {
			return fmt.Sprintf("mention cap exceeded (%d > %d)", n, f.MaxMentions), false
		}
	}

	if f.ExcludeFinancing && ann.FinancingHeadline {
		return "financing headline excluded", false
	}

	for _, frag := range f.HeadlineExcludes {
		if frag != "" && strings.Contains(strings.ToLower(ann.Headline), strings.ToLower(frag)) {
			return fmt.Sprintf("headline contains %q", frag), false
		}
	}

	return "", true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// midnightET returns the start of the instant's calendar day in
// America/New_York, as UTC.
func midnightET(t time.Time, loc *time.Location) time.Time {
	ny := t.In(loc)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, loc).UTC()
}
