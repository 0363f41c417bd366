package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbeckman/mailrun/internal/model"
)

func campaign(id string, recurrence model.Recurrence, startDate, sendTime string) model.Campaign {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		panic(err)
	}
	return model.Campaign{
		ID:         id,
		Title:      id,
		StartDate:  start,
		SendTime:   sendTime,
		Recurrence: recurrence,
		Active:     true,
	}
}

func at(value string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", value)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestDueToday(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute, PreviewLead: time.Hour}

	cases := []struct {
		name string
		c    model.Campaign
		now  time.Time
		due  bool
	}{
		{"never on start date", campaign("a", model.RecurNever, "2024-03-04", "10:00:00"), at("2024-03-04 09:00:00"), true},
		{"never after start date", campaign("a", model.RecurNever, "2024-03-04", "10:00:00"), at("2024-03-05 09:00:00"), false},
		{"daily always", campaign("a", model.RecurDaily, "2024-01-01", "10:00:00"), at("2024-09-20 09:00:00"), true},
		{"weekly multiple of 7", campaign("a", model.RecurWeekly, "2024-03-04", "10:00:00"), at("2024-03-25 09:00:00"), true},
		{"weekly off cycle", campaign("a", model.RecurWeekly, "2024-03-04", "10:00:00"), at("2024-03-26 09:00:00"), false},
		{"biweekly multiple of 14", campaign("a", model.RecurBiweekly, "2024-03-04", "10:00:00"), at("2024-04-01 09:00:00"), true},
		{"biweekly at 7 days", campaign("a", model.RecurBiweekly, "2024-03-04", "10:00:00"), at("2024-03-11 09:00:00"), false},
		{"monthly same day", campaign("a", model.RecurMonthly, "2024-01-31", "10:00:00"), at("2024-03-31 09:00:00"), true},
		{"monthly other day", campaign("a", model.RecurMonthly, "2024-01-31", "10:00:00"), at("2024-03-30 09:00:00"), false},
		{"weekly before start", campaign("a", model.RecurWeekly, "2024-03-04", "10:00:00"), at("2024-02-26 09:00:00"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due := e.DueToday([]model.Campaign{tc.c}, tc.now)
			assert.Equal(t, tc.due, len(due) == 1)
		})
	}
}

func TestDueTodayInactiveNeverDue(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute}
	c := campaign("a", model.RecurDaily, "2024-01-01", "10:00:00")
	c.Active = false
	assert.Empty(t, e.DueToday([]model.Campaign{c}, at("2024-09-20 09:00:00")))
}

// Weekly matching holds for every day across a two-year span.
func TestWeeklyRecurrenceOverTwoYears(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute}
	c := campaign("a", model.RecurWeekly, "2024-01-01", "10:00:00")

	start := at("2024-01-01 09:00:00")
	for day := 0; day < 730; day++ {
		now := start.AddDate(0, 0, day)
		want := day%7 == 0
		got := len(e.DueToday([]model.Campaign{c}, now)) == 1
		if got != want {
			t.Fatalf("day %d (%s): due = %v, want %v", day, now.Format("2006-01-02"), got, want)
		}
	}
}

func TestSendingNowWindow(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute}

	inside := campaign("inside", model.RecurDaily, "2024-01-01", "10:05:00")
	atStart := campaign("at-start", model.RecurDaily, "2024-01-01", "10:00:00")
	atEnd := campaign("at-end", model.RecurDaily, "2024-01-01", "10:15:00")
	before := campaign("before", model.RecurDaily, "2024-01-01", "09:59:00")

	now := at("2024-03-04 10:00:00")
	matched, err := e.SendingNow([]model.Campaign{inside, atStart, atEnd, before}, now)
	require.NoError(t, err)

	var ids []string
	for _, c := range matched {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"inside", "at-start"}, ids)
}

func TestSendingNowIdempotent(t *testing.T) {
	seen := make(map[string]bool)
	e := &Evaluator{
		Window: 15 * time.Minute,
		RunExists: func(campaignID string, requestedStart time.Time) (bool, error) {
			return seen[campaignID+requestedStart.String()], nil
		},
	}

	c := campaign("a", model.RecurDaily, "2024-01-01", "10:05:00")
	now := at("2024-03-04 10:00:00")

	first, err := e.SendingNow([]model.Campaign{c}, now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	sendAt, err := c.SendTimeOn(now)
	require.NoError(t, err)
	seen[c.ID+sendAt.String()] = true

	second, err := e.SendingNow([]model.Campaign{c}, now)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestWindowClampsAtMidnight(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute}

	lateToday := campaign("late", model.RecurDaily, "2024-01-01", "23:58:00")
	// Due daily, but its send time reads as early morning: outside the
	// clamped window even though 00:05 is within now+15m on the clock.
	earlyTomorrow := campaign("early", model.RecurDaily, "2024-01-01", "00:05:00")

	now := at("2024-03-04 23:55:00")
	matched, err := e.SendingNow([]model.Campaign{lateToday, earlyTomorrow}, now)
	require.NoError(t, err)

	require.Len(t, matched, 1)
	assert.Equal(t, "late", matched[0].ID)
}

func TestPreviewingNow(t *testing.T) {
	e := &Evaluator{Window: 15 * time.Minute, PreviewLead: time.Hour}

	withPreview := campaign("preview", model.RecurDaily, "2024-01-01", "11:05:00")
	withPreview.Preview = true
	noPreview := campaign("no-preview", model.RecurDaily, "2024-01-01", "11:05:00")
	tooSoon := campaign("too-soon", model.RecurDaily, "2024-01-01", "10:05:00")
	tooSoon.Preview = true

	now := at("2024-03-04 10:00:00")
	matched, err := e.PreviewingNow([]model.Campaign{withPreview, noPreview, tooSoon}, now)
	require.NoError(t, err)

	require.Len(t, matched, 1)
	assert.Equal(t, "preview", matched[0].ID)
}
