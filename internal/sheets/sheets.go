// Package sheets appends logged entries to a spreadsheet through a
// user-deployed Apps Script web app.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/franckalain/nutrilog/internal/metrics"
	"github.com/franckalain/nutrilog/internal/models"
)

// Config configures the webhook.
type Config struct {
	// WebhookURL disables syncing when empty.
	WebhookURL string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Row is the appended spreadsheet row.
type Row struct {
	Date     string  `json:"date"`
	Food     string  `json:"food"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Verdict  string  `json:"verdict"`
}

type payload struct {
	Action string `json:"action"`
	Data   Row    `json:"data"`
}

// Syncer posts rows to the webhook. Failures never reach the caller.
type Syncer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether a webhook is configured.
func (s *Syncer) Enabled() bool {
	return s.url != ""
}

// RowOf converts an entry to its spreadsheet row.
func RowOf(e models.FoodLogEntry) Row {
	return Row{
		Date:     time.UnixMilli(e.TimestampMs).UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Food:     e.Name,
		Calories: e.Calories,
		Protein:  e.Macros.Protein,
		Carbs:    e.Macros.Carbs,
		Fat:      e.Macros.Fat,
		Verdict:  e.Verdict,
	}
}

// Append posts e. It reports whether the row was accepted; errors are logged.
func (s *Syncer) Append(ctx context.Context, e models.FoodLogEntry) bool {
	if !s.Enabled() {
		s.logger.Debug("sheets webhook not configured, skipping sync")
		return false
	}
	if err := s.post(ctx, payload{Action: "append", Data: RowOf(e)}); err != nil {
		metrics.SheetsFailures.Inc()
		s.logger.Warn("failed to sync to sheets", slog.String("id", e.ID), slog.String("error", err.Error()))
		return false
	}
	s.logger.Debug("synced to sheets", slog.String("id", e.ID))
	return true
}

func (s *Syncer) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
