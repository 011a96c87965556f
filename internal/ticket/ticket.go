// Package ticket opens tickets for records that need a human, such as
// uploads quarantined in the holding pen.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/bibupload/internal/config"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
)

// Ticketer opens a ticket about record recID and returns its id.
type Ticketer interface {
	OpenTicket(ctx context.Context, recID int64, reason, text string) (string, error)
}

// Nop discards tickets.
type Nop struct{}

func (Nop) OpenTicket(context.Context, int64, string, string) (string, error) {
	return "", nil
}

// Payload is the JSON body posted for a ticket.
type Payload struct {
	TicketID  string    `json:"ticket_id"`
	RecordID  int64     `json:"record_id"`
	Queue     string    `json:"queue,omitempty"`
	Reason    string    `json:"reason"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook posts tickets to one or more URLs. A URL may contain the
// placeholders {record_id} and {reason}.
type Webhook struct {
	urls   []string
	queue  string
	client *http.Client
	log    *slog.Logger
}

// NewWebhook creates a Webhook. urls is a comma separated list.
func NewWebhook(urls, queue string, log *slog.Logger) *Webhook {
	if log == nil {
		log = config.DiscardLogger()
	}
	var list []string
	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			list = append(list, u)
		}
	}
	return &Webhook{
		urls:   list,
		queue:  queue,
		client: &http.Client{Timeout: defaultTimeout},
		log:    log,
	}
}

// New returns the webhook ticketer when urls is set and Nop otherwise.
func New(urls, queue string, log *slog.Logger) Ticketer {
	if strings.TrimSpace(urls) == "" {
		return Nop{}
	}
	return NewWebhook(urls, queue, log)
}

// OpenTicket implements Ticketer. It fails only when no target accepted
// the ticket.
func (w *Webhook) OpenTicket(ctx context.Context, recID int64, reason, text string) (string, error) {
	payload := Payload{
		TicketID:  uuid.NewString(),
		RecordID:  recID,
		Queue:     w.queue,
		Reason:    reason,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	targets := w.Targets(payload)
	if len(targets) == 0 {
		return "", fmt.Errorf("no valid ticket target")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode ticket: %w", err)
	}

	if delivered := w.dispatch(ctx, targets, body); delivered == 0 {
		return "", fmt.Errorf("ticket %s for record %d was not delivered", payload.TicketID, recID)
	}
	w.log.Info("opened ticket", "ticket", payload.TicketID, "record", recID, "reason", reason)
	return payload.TicketID, nil
}

// Targets templates, normalizes and de-dupes the configured URLs.
func (w *Webhook) Targets(payload Payload) []string {
	seen := make(map[string]struct{}, len(w.urls))
	var normalized []string

	for _, raw := range w.urls {
		templated := strings.TrimRight(strings.TrimSpace(applyTemplate(raw, payload)), "/")
		if templated == "" {
			continue
		}
		if !isValidURL(templated) {
			w.log.Warn("skipping invalid ticket url", "url", templated)
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{record_id}", strconv.FormatInt(payload.RecordID, 10))
	result = strings.ReplaceAll(result, "{reason}", url.PathEscape(payload.Reason))
	return result
}

func isValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// dispatch posts body to every target and returns how many accepted it.
func (w *Webhook) dispatch(ctx context.Context, urls []string, body []byte) int {
	workers := defaultConcurrency
	if len(urls) < workers {
		workers = len(urls)
	}

	var (
		mu        sync.Mutex
		delivered int
		wg        sync.WaitGroup
	)
	jobs := make(chan string)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				if w.send(ctx, endpoint, body) {
					mu.Lock()
					delivered++
					mu.Unlock()
				}
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
	return delivered
}

func (w *Webhook) send(ctx context.Context, endpoint string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("build ticket request failed", "url", endpoint, "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("ticket request failed", "url", endpoint, "err", err)
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("ticket rejected", "url", endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
