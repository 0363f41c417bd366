package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lbeckman/mailrun/internal/content"
	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/model"
	"github.com/lbeckman/mailrun/internal/transport"
)

// Dialer opens transport sessions. Each worker holds its own connection,
// established lazily and re-established after a disconnect.
type Dialer interface {
	Dial(ctx context.Context) (transport.Conn, error)
}

// RunContent holds the content snapshot fetched once for a run. The lock
// covers only the read of the snapshot; rewriting happens outside it so
// workers do not serialize their CPU work.
type RunContent struct {
	mu   sync.RWMutex
	html string
	text string
}

func NewRunContent(html, text string) *RunContent {
	return &RunContent{html: html, text: text}
}

func (c *RunContent) Snapshot() (html, text string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.html, c.text
}

// Worker drains the shared queue for one run. Send outcomes are written
// to the delivery record before the next item is taken, so an interrupted
// run leaves an accurate trail of what was and was not attempted.
type Worker struct {
	ID       int
	Database *sql.DB
	Queue    *Queue
	Throttle *Throttle
	Dialer   Dialer
	Rewriter *content.Rewriter
	Campaign *model.Campaign
	Run      *model.Run
	Content  *RunContent

	ReconnectLimit int
	RateLimitExit  int
	ErrorBudget    int

	// Aborted is shared across the run's workers; set when the error
	// budget trips and the queue is cleared.
	Aborted *atomic.Bool
}

func (w *Worker) Work(ctx context.Context) {
	var conn transport.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	rateLimitStreak := 0
	errorCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := w.Queue.Pop()
		if !ok {
			return
		}

		if conn == nil {
			var err error
			conn, err = w.connect(ctx)
			if err != nil {
				slog.Error("worker giving up, no connection", "worker", w.ID, "error", err)
				w.Queue.Requeue(*item)
				return
			}
		}

		err := w.deliver(ctx, conn, item)
		switch {
		case err == nil:
			rateLimitStreak = 0
			if err := db.MarkDeliverySent(w.Database, item.ID, time.Now()); err != nil {
				slog.Error("mark delivery sent", "record", item.ID, "error", err)
			}
			w.Throttle.OnSuccess()

		case errors.Is(err, transport.ErrRateLimited):
			w.Queue.Requeue(*item)
			w.Throttle.OnRateLimited()
			rateLimitStreak++
			if rateLimitStreak >= w.RateLimitExit {
				slog.Warn("worker exiting after sustained rate limiting",
					"worker", w.ID, "streak", rateLimitStreak)
				return
			}
			backoff(ctx)

		case errors.Is(err, transport.ErrDisconnected):
			slog.Warn("connection lost, reconnecting", "worker", w.ID, "error", err)
			w.Queue.Requeue(*item)
			conn.Close()
			conn = nil

		case errors.Is(err, transport.ErrRecipientRejected):
			rateLimitStreak = 0
			if err := db.MarkDeliveryFailed(w.Database, item.ID, err.Error()); err != nil {
				slog.Error("mark delivery failed", "record", item.ID, "error", err)
			}
			w.Throttle.OnFailure()

		default:
			rateLimitStreak = 0
			if err := db.MarkDeliveryFailed(w.Database, item.ID, err.Error()); err != nil {
				slog.Error("mark delivery failed", "record", item.ID, "error", err)
			}
			w.Throttle.OnFailure()
			errorCount++
			if errorCount >= w.ErrorBudget {
				dropped := w.Queue.Clear()
				w.Aborted.Store(true)
				slog.Error("error budget exhausted, aborting run",
					"worker", w.ID, "run", w.Run.ID, "dropped", dropped)
				return
			}
		}
	}
}

func (w *Worker) connect(ctx context.Context) (transport.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < w.ReconnectLimit; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := w.Dialer.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("transport connect failed", "worker", w.ID, "attempt", attempt+1, "error", err)
		sleep(ctx, 2*time.Second)
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", w.ReconnectLimit, lastErr)
}

func (w *Worker) deliver(ctx context.Context, conn transport.Conn, item *model.DeliveryRecord) error {
	recipient, err := db.GetRecipient(w.Database, item.RecipientID)
	if err != nil || recipient == nil {
		return fmt.Errorf("load recipient %s: %w", item.RecipientID, err)
	}
	attrs, err := db.RecipientAttributes(w.Database, recipient.ID)
	if err != nil {
		return fmt.Errorf("load attributes for %s: %w", recipient.ID, err)
	}

	html, text := w.Content.Snapshot()

	rendered, err := w.Rewriter.Render(w.Campaign, w.Run, recipient, attrs, html)
	if err != nil {
		return fmt.Errorf("render for %s: %w", recipient.Email, err)
	}
	var renderedText string
	if text != "" {
		renderedText = w.Rewriter.RenderText(w.Campaign, recipient, attrs, text)
	}

	return conn.Send(ctx, &transport.Message{
		From:    w.Campaign.SMTPFrom(),
		To:      recipient.Email,
		Subject: w.Campaign.Subject,
		HTML:    rendered,
		Text:    renderedText,
	})
}

// backoff sleeps one to two seconds so requeued items are not hammered
// straight back at a throttling provider.
func backoff(ctx context.Context) {
	sleep(ctx, time.Second+time.Duration(rand.Int63n(int64(time.Second))))
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
