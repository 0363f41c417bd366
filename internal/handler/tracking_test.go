package handler

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailrun "github.com/lbeckman/mailrun"
	"github.com/lbeckman/mailrun/internal/config"
	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/model"
)

type fixture struct {
	handler   *Handler
	database  *sql.DB
	campaign  *model.Campaign
	recipient *model.Recipient
	run       *model.Run
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, mailrun.MigrationFS))

	cfg := &config.Config{SigningSecret: "test-secret", BaseURL: "https://send.example.com"}
	h := New(database, cfg)

	campaign := &model.Campaign{
		ID:            uuid.NewString(),
		Title:         "News",
		Subject:       "Hello",
		SourceHTMLURI: "https://content.example.com/news.html",
		StartDate:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SendTime:      "10:00:00",
		Recurrence:    model.RecurDaily,
		Active:        true,
		FromAddress:   "news@example.com",
	}
	require.NoError(t, db.CreateCampaign(database, campaign))

	recipient := &model.Recipient{ID: uuid.NewString(), Email: "a@example.com"}
	require.NoError(t, db.CreateRecipient(database, recipient))

	run := &model.Run{
		ID:             uuid.NewString(),
		CampaignID:     campaign.ID,
		SentHTML:       "<p>hi</p>",
		RequestedStart: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		Start:          time.Date(2026, 9, 1, 10, 0, 1, 0, time.UTC),
		URLsTracked:    true,
	}
	require.NoError(t, db.CreateRun(database, run))

	return &fixture{handler: h, database: database, campaign: campaign, recipient: recipient, run: run}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rl := NewRateLimiter(100, 100)
	defer rl.Stop()
	f.handler.Routes(rl).ServeHTTP(rec, req)
	return rec
}

func (f *fixture) clickCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.database.QueryRow(`SELECT COUNT(*) FROM url_clicks`).Scan(&n))
	return n
}

func (f *fixture) openCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.database.QueryRow(`SELECT COUNT(*) FROM open_events`).Scan(&n))
	return n
}

func redirectURL(f *fixture, target string, position int, mac string) string {
	q := url.Values{}
	q.Set("instance", f.run.ID)
	q.Set("recipient", f.recipient.ID)
	q.Set("url", target)
	q.Set("position", strconv.Itoa(position))
	q.Set("mac", mac)
	return "/email/redirect?" + q.Encode()
}

func TestRedirectRecordsClick(t *testing.T) {
	f := newFixture(t)
	target := "http://x.test/article"
	mac := f.handler.Signer.URLMAC(target, 0, f.recipient.ID, f.run.ID)

	rec := f.get(t, redirectURL(f, target, 0, mac))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, target, rec.Header().Get("Location"))
	assert.Equal(t, 1, f.clickCount(t))
}

func TestRedirectTamperedPositionRejected(t *testing.T) {
	f := newFixture(t)
	target := "http://x.test/article"
	mac := f.handler.Signer.URLMAC(target, 0, f.recipient.ID, f.run.ID)

	rec := f.get(t, redirectURL(f, target, 1, mac))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Equal(t, 0, f.clickCount(t))
}

func TestRedirectTamperedURLRejected(t *testing.T) {
	f := newFixture(t)
	mac := f.handler.Signer.URLMAC("http://x.test/article", 0, f.recipient.ID, f.run.ID)

	rec := f.get(t, redirectURL(f, "http://evil.test/", 0, mac))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, f.clickCount(t))
}

func TestOpenPixelRecordsEvent(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("instance", f.run.ID)
	q.Set("recipient", f.recipient.ID)
	q.Set("mac", f.handler.Signer.OpenMAC(f.recipient.ID, f.run.ID))

	rec := f.get(t, "/email/open?"+q.Encode())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, f.openCount(t))
}

func TestOpenPixelBadMACStillServesPixelWithoutRecording(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("instance", f.run.ID)
	q.Set("recipient", f.recipient.ID)
	q.Set("mac", "0000")

	rec := f.get(t, "/email/open?"+q.Encode())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, f.openCount(t))
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("recipient", f.recipient.ID)
	q.Set("email", f.campaign.ID)
	q.Set("mac", f.handler.Signer.UnsubscribeMAC(f.recipient.ID, f.campaign.ID))

	rec := f.get(t, "/email/unsubscribe?"+q.Encode())
	assert.Equal(t, http.StatusOK, rec.Code)

	unsub, err := db.IsUnsubscribed(f.database, f.campaign.ID, f.recipient.ID)
	require.NoError(t, err)
	assert.True(t, unsub)
}

func TestUnsubscribeBadMACRejected(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("recipient", f.recipient.ID)
	q.Set("email", f.campaign.ID)
	q.Set("mac", "0000")

	rec := f.get(t, "/email/unsubscribe?"+q.Encode())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	unsub, err := db.IsUnsubscribed(f.database, f.campaign.ID, f.recipient.ID)
	require.NoError(t, err)
	assert.False(t, unsub)
}

func TestRunReport(t *testing.T) {
	f := newFixture(t)
	record := &model.DeliveryRecord{
		ID:          uuid.NewString(),
		RunID:       f.run.ID,
		RecipientID: f.recipient.ID,
	}
	require.NoError(t, db.CreateDeliveryRecord(f.database, record))
	require.NoError(t, db.MarkDeliverySent(f.database, record.ID, time.Now()))
	require.NoError(t, db.FinalizeRun(f.database, f.run.ID, time.Now(), true))

	rec := f.get(t, "/runs/"+f.run.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runReportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, f.run.ID, resp.ID)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.Sent)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
}

func TestRunReportUnknownRun(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/runs/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}
