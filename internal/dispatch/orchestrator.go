package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lbeckman/mailrun/internal/config"
	"github.com/lbeckman/mailrun/internal/content"
	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/model"
	"github.com/lbeckman/mailrun/internal/schedule"
	"github.com/lbeckman/mailrun/internal/sign"
	"github.com/lbeckman/mailrun/internal/transport"
)

// Runner executes a single campaign run end to end: content fetch, run
// row, delivery record seeding, worker pool, finalization.
type Runner struct {
	Database       *sql.DB
	Cfg            *config.Config
	Signer         sign.Signer
	Dialer         Dialer
	Fetcher        *content.Fetcher
	Campaign       *model.Campaign
	RequestedStart time.Time
}

// Execute drives the run to completion. Content is fetched before any
// row is written: a fetch failure leaves no partial run behind. Re-invoking
// for the same requested start resumes the existing run, skipping
// recipients that already have a delivery record.
func (r *Runner) Execute(ctx context.Context) error {
	c := r.Campaign

	html, err := r.Fetcher.FetchHTML(ctx, c.SourceHTMLURI)
	if err != nil {
		return fmt.Errorf("campaign %s content: %w", c.ID, err)
	}
	text, err := r.Fetcher.FetchText(ctx, c.SourceTextURI)
	if err != nil && !errors.Is(err, content.ErrNoTextContent) {
		return fmt.Errorf("campaign %s text content: %w", c.ID, err)
	}

	run, err := db.GetRunForStart(r.Database, c.ID, r.RequestedStart)
	if err != nil {
		return fmt.Errorf("look up run: %w", err)
	}
	if run == nil {
		run = &model.Run{
			ID:             uuid.NewString(),
			CampaignID:     c.ID,
			SentHTML:       html,
			RequestedStart: r.RequestedStart,
			Start:          time.Now().UTC(),
			OpensTracked:   c.TrackOpens,
			URLsTracked:    c.TrackURLs,
		}
		if err := db.CreateRun(r.Database, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		slog.Info("run created", "run", run.ID, "campaign", c.Title)
	} else {
		// The snapshot taken when the run was created wins over a re-fetch.
		html = run.SentHTML
		slog.Info("resuming run", "run", run.ID, "campaign", c.Title)
	}

	recipients, err := db.EligibleRecipients(r.Database, c.ID, r.RequestedStart)
	if err != nil {
		return fmt.Errorf("eligible recipients: %w", err)
	}
	for i := range recipients {
		record := &model.DeliveryRecord{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			RecipientID: recipients[i].ID,
		}
		if err := db.CreateDeliveryRecord(r.Database, record); err != nil {
			return fmt.Errorf("seed delivery record: %w", err)
		}
	}

	pending, err := db.PendingDeliveryRecords(r.Database, run.ID)
	if err != nil {
		return fmt.Errorf("pending delivery records: %w", err)
	}
	if len(pending) == 0 {
		slog.Info("run has no pending recipients", "run", run.ID)
		return db.FinalizeRun(r.Database, run.ID, time.Now().UTC(), true)
	}

	queue := NewQueue(pending)
	runContent := NewRunContent(html, text)
	rewriter := &content.Rewriter{
		BaseURL: r.Cfg.BaseURL,
		Signer:  r.Signer,
		TrackURL: func(runID, rawURL string, position int) error {
			_, err := db.GetOrCreateTrackedURL(r.Database, runID, rawURL, position)
			return err
		},
	}

	var (
		wg       sync.WaitGroup
		aborted  atomic.Bool
		idMu     sync.Mutex
		nextID   int
		spawn    func()
		throttle *Throttle
	)
	throttle = NewThrottle(r.Cfg.ThrottleUpThreshold, func() { spawn() })
	spawn = func() {
		idMu.Lock()
		nextID++
		id := nextID
		idMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &Worker{
				ID:             id,
				Database:       r.Database,
				Queue:          queue,
				Throttle:       throttle,
				Dialer:         r.Dialer,
				Rewriter:       rewriter,
				Campaign:       c,
				Run:            run,
				Content:        runContent,
				ReconnectLimit: r.Cfg.ReconnectLimit,
				RateLimitExit:  r.Cfg.RateLimitExitCount,
				ErrorBudget:    r.Cfg.ErrorBudget,
				Aborted:        &aborted,
			}
			w.Work(ctx)
		}()
	}

	for i := 0; i < r.Cfg.WorkerCount; i++ {
		spawn()
	}
	wg.Wait()

	success := !aborted.Load() && queue.Len() == 0
	if err := db.FinalizeRun(r.Database, run.ID, time.Now().UTC(), success); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	slog.Info("run finished", "run", run.ID, "campaign", c.Title, "success", success)
	return nil
}

// Engine is the dispatch entry point: one Tick evaluates every active
// campaign against now, sends due previews and drives due runs. Campaigns
// run concurrently with each other; the call returns once all of them
// have finalized.
type Engine struct {
	Database *sql.DB
	Cfg      *config.Config
	Signer   sign.Signer
	Dialer   Dialer
	Fetcher  *content.Fetcher
}

func NewEngine(database *sql.DB, cfg *config.Config, dialer Dialer) *Engine {
	return &Engine{
		Database: database,
		Cfg:      cfg,
		Signer:   sign.New(cfg.SigningSecret),
		Dialer:   dialer,
		Fetcher:  content.NewFetcher(cfg.FetchTimeout),
	}
}

func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	campaigns, err := db.ListActiveCampaigns(e.Database)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil
	}

	eval := &schedule.Evaluator{
		Window:      e.Cfg.DispatchWindow,
		PreviewLead: e.Cfg.PreviewLead,
		RunExists: func(campaignID string, requestedStart time.Time) (bool, error) {
			return db.RunExistsForStart(e.Database, campaignID, requestedStart)
		},
		PreviewExists: func(campaignID string, requestedStart time.Time) (bool, error) {
			return db.PreviewExistsForStart(e.Database, campaignID, requestedStart)
		},
	}

	previews, err := eval.PreviewingNow(campaigns, now)
	if err != nil {
		return fmt.Errorf("evaluate previews: %w", err)
	}
	for i := range previews {
		if err := e.sendPreview(ctx, &previews[i], now); err != nil {
			slog.Error("preview failed", "campaign", previews[i].Title, "error", err)
		}
	}

	sending, err := eval.SendingNow(campaigns, now)
	if err != nil {
		return fmt.Errorf("evaluate sends: %w", err)
	}

	var wg sync.WaitGroup
	for i := range sending {
		c := sending[i]
		sendAt, err := c.SendTimeOn(now)
		if err != nil {
			slog.Error("bad send time", "campaign", c.Title, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner := &Runner{
				Database:       e.Database,
				Cfg:            e.Cfg,
				Signer:         e.Signer,
				Dialer:         e.Dialer,
				Fetcher:        e.Fetcher,
				Campaign:       &c,
				RequestedStart: sendAt,
			}
			if err := runner.Execute(ctx); err != nil {
				slog.Error("run failed", "campaign", c.Title, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// sendPreview mails a banner-prefixed copy of the campaign content to
// the configured reviewers. Previews carry no personalization and no
// tracking; they exist so a human sees what goes out an hour later.
func (e *Engine) sendPreview(ctx context.Context, c *model.Campaign, now time.Time) error {
	sendAt, err := c.SendTimeOn(now)
	if err != nil {
		return err
	}
	addresses := c.PreviewAddresses()
	if len(addresses) == 0 {
		return nil
	}

	html, err := e.Fetcher.FetchHTML(ctx, c.SourceHTMLURI)
	if err != nil {
		return err
	}
	text, err := e.Fetcher.FetchText(ctx, c.SourceTextURI)
	if err != nil && !errors.Is(err, content.ErrNoTextContent) {
		return err
	}
	if text != "" {
		text = content.PreviewText(text)
	}

	conn, err := e.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("preview connect: %w", err)
	}
	defer conn.Close()

	for _, to := range addresses {
		msg := &transport.Message{
			From:    c.SMTPFrom(),
			To:      to,
			Subject: "[PREVIEW] " + c.Subject,
			HTML:    content.PreviewHTML(html),
			Text:    text,
		}
		if err := conn.Send(ctx, msg); err != nil {
			slog.Error("preview send failed", "campaign", c.Title, "to", to, "error", err)
		}
	}

	return db.CreatePreviewRun(e.Database, &model.PreviewRun{
		ID:             uuid.NewString(),
		CampaignID:     c.ID,
		Recipients:     c.PreviewRecipients,
		RequestedStart: sendAt,
		SentAt:         now.UTC(),
	})
}
