// Package schedule decides which campaigns are due on a given date and
// which of those fall inside the current dispatch window.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lbeckman/mailrun/internal/model"
)

// Evaluator matches campaign schedules against a moment in time. Window
// is the dispatch window covered by one tick; PreviewLead is how far ahead
// of the real send the preview copies go out.
//
// Window arithmetic is clamped to the current day: a window that would
// cross midnight ends at midnight instead, and campaigns scheduled in the
// first minutes of the next day are picked up by that day's first tick.
type Evaluator struct {
	Window      time.Duration
	PreviewLead time.Duration

	// RunExists reports whether a run already exists for the campaign at
	// the given requested start. PreviewExists is its preview counterpart.
	// Both make re-invocation within the same window idempotent.
	RunExists     func(campaignID string, requestedStart time.Time) (bool, error)
	PreviewExists func(campaignID string, requestedStart time.Time) (bool, error)
}

// DueToday filters campaigns whose recurrence rule matches now's date.
// Inactive campaigns are never due.
func (e *Evaluator) DueToday(campaigns []model.Campaign, now time.Time) []model.Campaign {
	var due []model.Campaign
	for _, c := range campaigns {
		if !c.Active {
			continue
		}
		if dueOn(&c, now) {
			due = append(due, c)
		}
	}
	return due
}

func dueOn(c *model.Campaign, now time.Time) bool {
	today := dateOf(now)
	start := dateOf(c.StartDate)
	days := int(today.Sub(start).Hours() / 24)

	switch c.Recurrence {
	case model.RecurNever:
		return today.Equal(start)
	case model.RecurDaily:
		return true
	case model.RecurWeekly:
		return days >= 0 && days%7 == 0
	case model.RecurBiweekly:
		return days >= 0 && days%14 == 0
	case model.RecurMonthly:
		return today.Day() == start.Day()
	default:
		slog.Warn("unknown recurrence", "campaign", c.ID, "recurrence", c.Recurrence)
		return false
	}
}

// SendingNow returns the due campaigns whose send time falls inside
// [now, now+Window) and which have no run yet for this requested start.
func (e *Evaluator) SendingNow(campaigns []model.Campaign, now time.Time) ([]model.Campaign, error) {
	return e.inWindow(e.DueToday(campaigns, now), now, 0, e.RunExists)
}

// PreviewingNow returns the due campaigns with previews enabled whose send
// time falls inside [now+PreviewLead, now+PreviewLead+Window) and which
// have no preview record yet for this requested start.
func (e *Evaluator) PreviewingNow(campaigns []model.Campaign, now time.Time) ([]model.Campaign, error) {
	var candidates []model.Campaign
	for _, c := range e.DueToday(campaigns, now) {
		if c.Preview {
			candidates = append(candidates, c)
		}
	}
	return e.inWindow(candidates, now, e.PreviewLead, e.PreviewExists)
}

func (e *Evaluator) inWindow(campaigns []model.Campaign, now time.Time, lead time.Duration,
	exists func(string, time.Time) (bool, error)) ([]model.Campaign, error) {

	windowStart := now.Add(lead)
	windowEnd := windowStart.Add(e.Window)

	var matched []model.Campaign
	for _, c := range campaigns {
		sendAt, err := c.SendTimeOn(now)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		// sendAt is pinned to now's date, so a window end past midnight
		// cannot reach into the next day.
		if sendAt.Before(windowStart) || !sendAt.Before(windowEnd) {
			continue
		}
		if exists != nil {
			seen, err := exists(c.ID, sendAt)
			if err != nil {
				return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
			}
			if seen {
				continue
			}
		}
		matched = append(matched, c)
	}
	return matched, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
