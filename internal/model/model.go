package model

import (
	"fmt"
	"strings"
	"time"
)

type Recurrence string

const (
	RecurNever    Recurrence = "never"
	RecurDaily    Recurrence = "daily"
	RecurWeekly   Recurrence = "weekly"
	RecurBiweekly Recurrence = "biweekly"
	RecurMonthly  Recurrence = "monthly"
)

// DefaultDelimiter wraps personalization labels in campaign content.
const DefaultDelimiter = "!@!"

// UnsubscribeLabel is reserved: it is never resolved from recipient
// attributes and is rewritten to a signed unsubscribe link last.
const UnsubscribeLabel = "UNSUBSCRIBE"

type Campaign struct {
	ID                string
	Title             string
	Subject           string
	SourceHTMLURI     string
	SourceTextURI     string
	StartDate         time.Time // date portion only
	SendTime          string    // wall-clock "15:04:05", independent of date
	Recurrence        Recurrence
	Active            bool
	FromAddress       string
	FromName          string
	ReplaceDelimiter  string
	TrackURLs         bool
	TrackOpens        bool
	Preview           bool
	PreviewRecipients string // comma-separated addresses
	CreatedAt         time.Time
}

// SMTPFrom is the display From header: `"Name" <addr>` when a friendly
// name is set, the bare address otherwise.
func (c *Campaign) SMTPFrom() string {
	if c.FromName != "" {
		return fmt.Sprintf("%q <%s>", c.FromName, c.FromAddress)
	}
	return c.FromAddress
}

// Delimiter returns the token delimiter for this campaign's content,
// falling back to the default when none is set.
func (c *Campaign) Delimiter() string {
	if c.ReplaceDelimiter == "" {
		return DefaultDelimiter
	}
	return c.ReplaceDelimiter
}

// SendTimeOn combines the campaign's wall-clock send time with the date
// portion of day.
func (c *Campaign) SendTimeOn(day time.Time) (time.Time, error) {
	layout := "15:04:05"
	if strings.Count(c.SendTime, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, c.SendTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse send time %q: %w", c.SendTime, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, day.Location()), nil
}

// PreviewAddresses splits the comma-separated preview recipient list.
func (c *Campaign) PreviewAddresses() []string {
	var out []string
	for _, a := range strings.Split(c.PreviewRecipients, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

type Recipient struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type RecipientGroup struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Run records one concrete execution of a campaign. The HTML snapshot is
// captured once when the run is created and is immutable afterwards.
type Run struct {
	ID             string
	CampaignID     string
	SentHTML       string
	RequestedStart time.Time
	Start          time.Time
	End            *time.Time
	Success        *bool
	OpensTracked   bool
	URLsTracked    bool
}

func (r *Run) InProgress() bool {
	return !r.Start.IsZero() && r.End == nil
}

// PreviewRun records that preview copies went out for a scheduled send.
type PreviewRun struct {
	ID             string
	CampaignID     string
	Recipients     string
	RequestedStart time.Time
	SentAt         time.Time
}

// DeliveryRecord tracks one recipient's outcome within a run. A nil SentAt
// with an empty Failure means the send was never completed.
type DeliveryRecord struct {
	ID          string
	RunID       string
	RecipientID string
	SentAt      *time.Time
	Failure     string
	CreatedAt   time.Time
}

// TrackedURL pins a literal URL at its Nth occurrence within a run's
// content so every recipient of the run shares the same tracking identity.
type TrackedURL struct {
	ID        string
	RunID     string
	URL       string
	Position  int
	CreatedAt time.Time
}

type URLClick struct {
	ID           string
	TrackedURLID string
	RecipientID  string
	ClickedAt    time.Time
}

type OpenEvent struct {
	ID          string
	RunID       string
	RecipientID string
	OpenedAt    time.Time
}

// RunReport aggregates per-run delivery and engagement counts.
type RunReport struct {
	Run
	Total  int
	Sent   int
	Failed int
	Opens  int
	Clicks int
}

func (r *RunReport) OpenRate() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Opens) / float64(r.Sent) * 100
}
