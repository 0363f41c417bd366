// Package content fetches campaign source documents and rewrites them
// per recipient: personalization tokens, tracked link redirects, the
// open pixel and the unsubscribe link.
package content

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/lbeckman/mailrun/internal/model"
	"github.com/lbeckman/mailrun/internal/sign"
)

var hrefRe = regexp.MustCompile(`(?i)href="([^"]+)"`)

// trackableSchemes gates which link targets get the redirect treatment.
// Anchors, mailto: and javascript: links pass through untouched.
var trackableSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
}

// Rewriter produces the per-recipient body of a campaign message. The
// same inputs always yield the same output; link positions are assigned
// by order of first appearance in the document.
type Rewriter struct {
	BaseURL string
	Signer  sign.Signer

	// TrackURL records that a run references url at position. Called once
	// per distinct (url, position) pair during a rewrite; it must be
	// idempotent across recipients of the same run.
	TrackURL func(runID, rawURL string, position int) error
}

// Render applies the full rewrite pipeline to html, the content snapshot
// fetched for this run. Token substitution runs first so substituted
// values are themselves subject to link tracking; the unsubscribe link
// is placed last so its href is never rewritten into a redirect.
func (rw *Rewriter) Render(campaign *model.Campaign, run *model.Run, rcpt *model.Recipient, attrs map[string]string, html string) (string, error) {
	body := rw.substituteTokens(campaign, rcpt, attrs, html)

	if campaign.TrackURLs {
		var err error
		body, err = rw.trackLinks(run.ID, rcpt.ID, body)
		if err != nil {
			return "", err
		}
	}
	if campaign.TrackOpens {
		body += rw.openPixel(run.ID, rcpt.ID)
	}
	body = rw.placeUnsubscribe(campaign, rcpt, body)
	return body, nil
}

// RenderText rewrites the optional plain-text body. Text parts get token
// substitution and a bare unsubscribe URL but no link or open tracking.
func (rw *Rewriter) RenderText(campaign *model.Campaign, rcpt *model.Recipient, attrs map[string]string, text string) string {
	body := rw.substituteTokens(campaign, rcpt, attrs, text)
	token := campaign.Delimiter() + model.UnsubscribeLabel + campaign.Delimiter()
	if strings.Contains(body, token) {
		body = strings.ReplaceAll(body, token, rw.unsubscribeURL(campaign, rcpt))
	}
	return body
}

func (rw *Rewriter) substituteTokens(campaign *model.Campaign, rcpt *model.Recipient, attrs map[string]string, body string) string {
	delim := campaign.Delimiter()
	re := regexp.MustCompile(regexp.QuoteMeta(delim) + `(.+?)` + regexp.QuoteMeta(delim))

	seen := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		label := m[1]
		if strings.EqualFold(label, model.UnsubscribeLabel) || seen[label] {
			continue
		}
		seen[label] = true

		value, ok := attrs[label]
		if !ok {
			slog.Warn("recipient missing attribute for token",
				"campaign_id", campaign.ID, "recipient", rcpt.Email, "token", label)
		}
		body = strings.ReplaceAll(body, delim+label+delim, value)
	}
	return body
}

// trackLinks rewrites every trackable href into a signed redirect. The
// position of a link is how many times its exact URL has already
// appeared in this pass, so repeated links are distinguishable while
// every recipient of the run assigns identical positions.
func (rw *Rewriter) trackLinks(runID, recipientID, body string) (string, error) {
	counts := map[string]int{}
	var trackErr error

	body = hrefRe.ReplaceAllStringFunc(body, func(match string) string {
		if trackErr != nil {
			return match
		}
		target := hrefRe.FindStringSubmatch(match)[1]
		parsed, err := url.Parse(target)
		if err != nil || !trackableSchemes[strings.ToLower(parsed.Scheme)] {
			return match
		}

		position := counts[target]
		counts[target]++
		if rw.TrackURL != nil {
			if err := rw.TrackURL(runID, target, position); err != nil {
				trackErr = fmt.Errorf("track url %q: %w", target, err)
				return match
			}
		}
		return `href="` + rw.redirectURL(runID, recipientID, target, position) + `"`
	})
	if trackErr != nil {
		return "", trackErr
	}
	return body, nil
}

func (rw *Rewriter) redirectURL(runID, recipientID, target string, position int) string {
	q := url.Values{}
	q.Set("instance", runID)
	q.Set("recipient", recipientID)
	q.Set("url", target)
	q.Set("position", strconv.Itoa(position))
	q.Set("mac", rw.Signer.URLMAC(target, position, recipientID, runID))
	return rw.BaseURL + "/email/redirect?" + q.Encode()
}

func (rw *Rewriter) openPixel(runID, recipientID string) string {
	q := url.Values{}
	q.Set("instance", runID)
	q.Set("recipient", recipientID)
	q.Set("mac", rw.Signer.OpenMAC(recipientID, runID))
	return `<img src="` + rw.BaseURL + "/email/open?" + q.Encode() + `" width="1" height="1" alt="">`
}

func (rw *Rewriter) unsubscribeURL(campaign *model.Campaign, rcpt *model.Recipient) string {
	q := url.Values{}
	q.Set("recipient", rcpt.ID)
	q.Set("email", campaign.ID)
	q.Set("mac", rw.Signer.UnsubscribeMAC(rcpt.ID, campaign.ID))
	return rw.BaseURL + "/email/unsubscribe?" + q.Encode()
}

func (rw *Rewriter) placeUnsubscribe(campaign *model.Campaign, rcpt *model.Recipient, body string) string {
	token := campaign.Delimiter() + model.UnsubscribeLabel + campaign.Delimiter()
	link := `<a href="` + rw.unsubscribeURL(campaign, rcpt) + `">Unsubscribe</a>`
	if strings.Contains(body, token) {
		return strings.ReplaceAll(body, token, link)
	}
	return body + "<br>" + link
}
