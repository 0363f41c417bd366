package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/model"
	"github.com/lbeckman/mailrun/internal/sign"
)

// transparentGIF is a 1x1 fully transparent image, returned by the open
// pixel whether or not the MAC checks out so mail clients never render a
// broken image.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Redirect verifies the link MAC, records the click and bounces the
// client to the real destination. A bad MAC gets a bare 403 with no
// state change.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instance := q.Get("instance")
	recipient := q.Get("recipient")
	target := q.Get("url")
	mac := q.Get("mac")

	position, err := strconv.Atoi(q.Get("position"))
	if err != nil || instance == "" || recipient == "" || target == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	expected := h.Signer.URLMAC(target, position, recipient, instance)
	if !sign.Verify(mac, expected) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	tu, err := db.GetOrCreateTrackedURL(h.Database, instance, target, position)
	if err != nil {
		slog.Error("tracked url lookup", "run", instance, "error", err)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if err := db.InsertURLClick(h.Database, &model.URLClick{
		TrackedURLID: tu.ID,
		RecipientID:  recipient,
	}); err != nil {
		slog.Error("record click", "tracked_url", tu.ID, "error", err)
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// OpenPixel records an open event when the MAC verifies and serves the
// transparent pixel either way.
func (h *Handler) OpenPixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instance := q.Get("instance")
	recipient := q.Get("recipient")
	mac := q.Get("mac")

	if sign.Verify(mac, h.Signer.OpenMAC(recipient, instance)) && instance != "" && recipient != "" {
		if err := db.InsertOpenEvent(h.Database, &model.OpenEvent{
			RunID:       instance,
			RecipientID: recipient,
		}); err != nil {
			slog.Error("record open", "run", instance, "error", err)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.Write(transparentGIF)
}

// Unsubscribe adds the recipient to the campaign's unsubscribed set.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recipient := q.Get("recipient")
	campaignID := q.Get("email")
	mac := q.Get("mac")

	if recipient == "" || campaignID == "" ||
		!sign.Verify(mac, h.Signer.UnsubscribeMAC(recipient, campaignID)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if err := db.Unsubscribe(h.Database, campaignID, recipient); err != nil {
		slog.Error("unsubscribe", "campaign", campaignID, "recipient", recipient, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Database.Ping(); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type runReportResponse struct {
	ID             string  `json:"id"`
	CampaignID     string  `json:"campaign_id"`
	RequestedStart string  `json:"requested_start"`
	Start          string  `json:"start"`
	End            *string `json:"end"`
	Success        *bool   `json:"success"`
	Total          int     `json:"total"`
	Sent           int     `json:"sent"`
	Failed         int     `json:"failed"`
	Opens          int     `json:"opens"`
	Clicks         int     `json:"clicks"`
	OpenRate       float64 `json:"open_rate"`
}

// RunReport returns delivery and engagement counts for one run.
func (h *Handler) RunReport(w http.ResponseWriter, r *http.Request) {
	report, err := db.GetRunReport(h.Database, chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("run report", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.NotFound(w, r)
		return
	}

	resp := runReportResponse{
		ID:             report.ID,
		CampaignID:     report.CampaignID,
		RequestedStart: report.RequestedStart.Format(time.RFC3339),
		Start:          report.Start.Format(time.RFC3339),
		Success:        report.Success,
		Total:          report.Total,
		Sent:           report.Sent,
		Failed:         report.Failed,
		Opens:          report.Opens,
		Clicks:         report.Clicks,
		OpenRate:       report.OpenRate(),
	}
	if report.End != nil {
		s := report.End.Format(time.RFC3339)
		resp.End = &s
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
