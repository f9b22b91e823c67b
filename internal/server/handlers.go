package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/franckalain/nutrilog/internal/analytics"
	"github.com/franckalain/nutrilog/internal/auth"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/repository"
	"github.com/franckalain/nutrilog/internal/tenant"
)

// defaultBarHeight is the bar height used when a chart request names none.
const defaultBarHeight = 200

// handlerFunc answers one message type with the reply type and its payload.
type handlerFunc func(ctx context.Context, data json.RawMessage) (string, any, error)

// requestError is a malformed request. Its message is shown to the user.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &requestError{msg: "Missing message data"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &requestError{msg: "Invalid message data"}
	}
	return nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type setupRequest struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	AIKey string `json:"ai_key"`
}

type estimateRequest struct {
	Description string `json:"description"`
}

type updateRequest struct {
	ID    string             `json:"id"`
	Patch models.FoodLogPatch `json:"patch"`
}

type idRequest struct {
	ID string `json:"id"`
}

type rangeRequest struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type dayRequest struct {
	Date string `json:"date"`
}

type weightRequest struct {
	Date string `json:"date"`
	From string `json:"from"`
	To   string `json:"to"`
}

type analyticsRequest struct {
	Mode       string  `json:"mode"`
	RangeDays  int     `json:"range_days"`
	DaysPerBar int     `json:"days_per_bar"`
	Page       int     `json:"page"`
	MaxHeight  float64 `json:"max_height"`
}

type analyticsResponse struct {
	Mode    string             `json:"mode"`
	Start   int64              `json:"start"`
	End     int64              `json:"end"`
	YMax    float64            `json:"y_max"`
	Buckets []analytics.Bucket `json:"buckets"`
	Bars    []analytics.Bar    `json:"bars"`
}

type dayResponse struct {
	Date        string                `json:"date"`
	Items       []models.FoodLogEntry `json:"items"`
	Totals      analytics.Totals      `json:"totals"`
	MarkedDates []string              `json:"marked_dates"`
}

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"get_state":      s.getState,
		"sign_in":        s.signIn,
		"sign_up":        s.signUp,
		"sign_out":       s.signOut,
		"complete_setup": s.completeSetup,
		"estimate":       s.estimate,
		"add_food":       s.addFood,
		"update_food":    s.updateFood,
		"delete_food":    s.deleteFood,
		"retry_unsynced": s.retryUnsynced,
		"get_history":    s.getHistory,
		"get_range":      s.getRange,
		"get_day":        s.getDay,
		"get_summary":    s.getSummary,
		"get_analytics":  s.getAnalytics,
		"save_weight":    s.saveWeight,
		"get_weight":     s.getWeight,
		"get_targets":    s.getTargets,
		"save_targets":   s.saveTargets,
	}
}

// userMessage maps err to the text sent back for a failed msgType.
func (s *Server) userMessage(msgType string, err error) string {
	var reqErr *requestError
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &reqErr):
		return reqErr.msg
	case auth.IsAuthError(err):
		return err.Error()
	case errors.Is(err, tenant.ErrNotAuthenticated), errors.Is(err, auth.ErrNoSession):
		return "Please sign in first"
	case errors.Is(err, repository.ErrNoTenant):
		return "No data store is connected. Complete setup first"
	case errors.Is(err, repository.ErrNotFound):
		return "Not found"
	case errors.As(err, &verrs):
		return fmt.Sprintf("Invalid %s", verrs[0].Field())
	}
	s.logger.Error("request failed", slog.String("type", msgType), slog.String("error", err.Error()))
	return fmt.Sprintf("Failed to handle %s", msgType)
}

func (s *Server) getState(context.Context, json.RawMessage) (string, any, error) {
	return "session_state", s.binder.Snapshot(), nil
}

func (s *Server) signIn(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req credentials
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if err := s.auth.SignIn(ctx, req.Email, req.Password); err != nil {
		return "", nil, err
	}
	return "signed_in", nil, nil
}

func (s *Server) signUp(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req credentials
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if err := s.auth.SignUp(ctx, req.Email, req.Password); err != nil {
		return "", nil, err
	}
	return "signed_up", nil, nil
}

func (s *Server) signOut(ctx context.Context, _ json.RawMessage) (string, any, error) {
	if err := s.auth.SignOut(ctx); err != nil {
		return "", nil, err
	}
	return "signed_out", nil, nil
}

func (s *Server) completeSetup(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req setupRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	cred := models.TenantCredential{URL: req.URL, Key: req.Key}
	if err := s.binder.CompleteSetup(ctx, cred, req.AIKey); err != nil {
		return "", nil, err
	}
	return "setup_complete", s.binder.Snapshot(), nil
}

func (s *Server) estimate(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req estimateRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if req.Description == "" {
		return "", nil, &requestError{msg: "Description is required"}
	}
	est, err := s.book.Estimate(ctx, req.Description)
	if err != nil {
		return "", nil, err
	}
	return "estimate_result", est, nil
}

func (s *Server) addFood(ctx context.Context, data json.RawMessage) (string, any, error) {
	var e models.FoodLogEntry
	if err := decode(data, &e); err != nil {
		return "", nil, err
	}
	entry, err := s.book.Add(ctx, e)
	if err != nil && !entry.Unsynced {
		return "", nil, err
	}
	// An unsynced entry is kept locally and reported as added.
	return "food_added", entry, nil
}

func (s *Server) updateFood(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req updateRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if req.ID == "" || req.Patch.IsEmpty() {
		return "", nil, &requestError{msg: "Nothing to update"}
	}
	entry, err := s.book.Update(ctx, req.ID, req.Patch)
	if err != nil {
		return "", nil, err
	}
	return "food_updated", entry, nil
}

func (s *Server) deleteFood(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req idRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if req.ID == "" {
		return "", nil, &requestError{msg: "ID is required"}
	}
	if err := s.book.Delete(ctx, req.ID); err != nil {
		return "", nil, err
	}
	return "food_deleted", req, nil
}

func (s *Server) retryUnsynced(ctx context.Context, _ json.RawMessage) (string, any, error) {
	synced, err := s.book.RetryUnsynced(ctx)
	if err != nil && synced == 0 {
		return "", nil, err
	}
	return "retry_result", map[string]int{"synced": synced}, nil
}

func (s *Server) getHistory(ctx context.Context, _ json.RawMessage) (string, any, error) {
	entries, err := s.book.Load(ctx)
	if err != nil {
		// Serve the cache when the store is unreachable.
		if errors.Is(err, repository.ErrNoTenant) {
			return "", nil, err
		}
		s.logger.Warn("history reload failed, serving cache", slog.String("error", err.Error()))
		entries = s.book.Entries()
	}
	logs := make([]models.FoodLogEntry, len(entries))
	for i, e := range entries {
		logs[i] = e.FoodLogEntry
	}
	return "history", map[string]any{
		"items":   entries,
		"summary": analytics.Summarize(logs, s.now()),
	}, nil
}

func (s *Server) getRange(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req rangeRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if req.End < req.Start {
		return "", nil, &requestError{msg: "Range end is before its start"}
	}
	logs, err := s.repo.ByRange(ctx, req.Start, req.End)
	if err != nil {
		return "", nil, err
	}
	return "range", logs, nil
}

func (s *Server) getDay(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req dayRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	now := s.now()
	day := now
	if req.Date != "" {
		d, err := time.ParseInLocation(models.DateLayout, req.Date, now.Location())
		if err != nil {
			return "", nil, &requestError{msg: "Date must be YYYY-MM-DD"}
		}
		day = d
	}
	start, end := analytics.MonthWindow(day)
	logs, err := s.repo.ByRange(ctx, start, end)
	if err != nil {
		return "", nil, err
	}
	items := analytics.OnDay(logs, day)
	if items == nil {
		items = []models.FoodLogEntry{}
	}
	return "day", dayResponse{
		Date:        day.Format(models.DateLayout),
		Items:       items,
		Totals:      analytics.DayTotals(logs, day),
		MarkedDates: analytics.MarkedDates(logs, day.Location()),
	}, nil
}

func (s *Server) getSummary(ctx context.Context, _ json.RawMessage) (string, any, error) {
	now := s.now()
	start, end := analytics.Window(31, 1, 0, now)
	logs, err := s.repo.ByRange(ctx, start, end)
	if err != nil {
		return "", nil, err
	}
	return "summary", analytics.Summarize(logs, now), nil
}

func (s *Server) getAnalytics(ctx context.Context, data json.RawMessage) (string, any, error) {
	req := analyticsRequest{RangeDays: 7, DaysPerBar: 1, MaxHeight: defaultBarHeight}
	if len(data) > 0 {
		if err := decode(data, &req); err != nil {
			return "", nil, err
		}
	}
	mode, err := analytics.ParseMode(req.Mode)
	if err != nil {
		return "", nil, &requestError{msg: err.Error()}
	}
	if !analytics.ValidRange(req.RangeDays, req.DaysPerBar, req.Page) {
		return "", nil, &requestError{msg: "Invalid chart range"}
	}
	if req.MaxHeight <= 0 {
		req.MaxHeight = defaultBarHeight
	}

	now := s.now()
	start, end := analytics.Window(req.RangeDays, req.DaysPerBar, req.Page, now)
	logs, err := s.repo.ByRange(ctx, start, end)
	if err != nil {
		return "", nil, err
	}
	buckets := analytics.Bucketize(logs, req.RangeDays, req.DaysPerBar, req.Page, now)
	return "analytics", analyticsResponse{
		Mode:    mode.String(),
		Start:   start,
		End:     end,
		YMax:    analytics.YAxisMax(buckets, mode),
		Buckets: buckets,
		Bars:    analytics.Bars(buckets, mode, req.MaxHeight),
	}, nil
}

func (s *Server) saveWeight(ctx context.Context, data json.RawMessage) (string, any, error) {
	var w models.WeightLogEntry
	if err := decode(data, &w); err != nil {
		return "", nil, err
	}
	if err := s.repo.UpsertWeight(ctx, w); err != nil {
		return "", nil, err
	}
	return "weight_saved", w, nil
}

func (s *Server) getWeight(ctx context.Context, data json.RawMessage) (string, any, error) {
	var req weightRequest
	if err := decode(data, &req); err != nil {
		return "", nil, err
	}
	if req.From != "" || req.To != "" {
		if req.To == "" {
			req.To = s.now().Format(models.DateLayout)
		}
		history, err := s.repo.WeightRange(ctx, req.From, req.To)
		if err != nil {
			return "", nil, err
		}
		return "weight_history", history, nil
	}
	if req.Date == "" {
		req.Date = s.now().Format(models.DateLayout)
	}
	w, err := s.repo.Weight(ctx, req.Date)
	if errors.Is(err, repository.ErrNotFound) {
		// No entry for the date is not a failure.
		return "weight", map[string]any{"date": req.Date, "weight": nil}, nil
	}
	if err != nil {
		return "", nil, err
	}
	return "weight", w, nil
}

func (s *Server) getTargets(ctx context.Context, _ json.RawMessage) (string, any, error) {
	p, err := s.repo.Targets(ctx)
	if err != nil {
		s.logger.Warn("serving default targets", slog.String("error", err.Error()))
	}
	return "targets", p, nil
}

func (s *Server) saveTargets(ctx context.Context, data json.RawMessage) (string, any, error) {
	var p models.TargetProfile
	if err := decode(data, &p); err != nil {
		return "", nil, err
	}
	if err := s.repo.SaveTargets(ctx, p); err != nil {
		return "", nil, err
	}
	return "targets_saved", p, nil
}
