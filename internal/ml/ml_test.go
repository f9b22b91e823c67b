package ml

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/vault"
)

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    models.Estimate
		wantErr bool
	}{
		{
			name: "full reply",
			text: `{"name":"Apple","calories":95,"macros":{"protein":0.5,"carbs":25,"fat":0.3},"micros":{"Vitamin C":8.4},"verdict":"Good snack"}`,
			want: models.Estimate{
				Name: "Apple", Calories: 95,
				Macros:  models.Macros{Protein: 0.5, Carbs: 25, Fat: 0.3},
				Micros:  map[string]float64{"Vitamin C": 8.4},
				Verdict: "Good snack",
			},
		},
		{
			name: "fenced reply with defaults",
			text: "```json\n{\"calories\":200}\n```",
			want: models.Estimate{Name: "two eggs", Calories: 200, Micros: map[string]float64{}, Verdict: "Analysis complete."},
		},
		{name: "empty", text: "  ", wantErr: true},
		{name: "not json", text: "I think about 300 kcal", wantErr: true},
		{name: "negative", text: `{"calories":10,"macros":{"protein":-1}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEstimate(tt.text, "two eggs")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(Config{Type: "placeholder"})
	require.NoError(t, err)
	assert.IsType(t, PlaceholderFactory{}, f)

	f, err = NewFactory(Config{Type: "openai"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIFactory{}, f)

	f, err = NewFactory(Config{})
	require.NoError(t, err)
	assert.IsType(t, &GoogleFactory{}, f)

	_, err = NewFactory(Config{Type: "local"})
	assert.Error(t, err)
}

func TestFactoriesRequireKey(t *testing.T) {
	_, err := NewGoogleFactory(GoogleConfig{ProjectID: "p"}).CreateEstimator(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = NewOpenAIFactory(OpenAIConfig{}).CreateEstimator(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestOpenAIEstimator(t *testing.T) {
	var gotAuth string
	var gotReq struct {
		Model          string `json:"model"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"name":"Rice","calories":206,"macros":{"protein":4.3,"carbs":45,"fat":0.4},"verdict":"ok"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	f := NewOpenAIFactory(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "test-model"})
	e, err := f.CreateEstimator(context.Background(), "sk-test")
	require.NoError(t, err)
	est, err := e.Estimate(context.Background(), "a cup of rice")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
	assert.Equal(t, "Rice", est.Name)
	assert.Equal(t, 206.0, est.Calories)
	assert.Equal(t, 45.0, est.Macros.Carbs)
}

func TestOpenAIEstimator_ServerErrorIsEstimationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e, err := NewOpenAIFactory(OpenAIConfig{BaseURL: srv.URL, Model: "m"}).CreateEstimator(context.Background(), "k")
	require.NoError(t, err)
	_, err = e.Estimate(context.Background(), "toast")
	var ee *EstimationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "openai", ee.Provider)
}

type memKeys struct {
	mu  sync.Mutex
	key string
}

func (m *memKeys) Get(string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == "" {
		return "", vault.ErrNotFound
	}
	return m.key, nil
}

func (m *memKeys) set(k string) {
	m.mu.Lock()
	m.key = k
	m.mu.Unlock()
}

type stubEstimator struct {
	est    models.Estimate
	err    error
	closed bool
}

func (s *stubEstimator) Estimate(context.Context, string) (models.Estimate, error) {
	return s.est, s.err
}

func (s *stubEstimator) Close() error {
	s.closed = true
	return nil
}

type stubFactory struct {
	created []string
	built   []*stubEstimator
	err     error
}

func (f *stubFactory) CreateEstimator(_ context.Context, key string) (Estimator, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	f.created = append(f.created, key)
	e := &stubEstimator{est: models.Estimate{Name: "from " + key, Calories: 321}, err: f.err}
	f.built = append(f.built, e)
	return e, nil
}

func TestFallback(t *testing.T) {
	keys := &memKeys{}
	factory := &stubFactory{}
	fb := WithFallback(factory, keys, nil)
	ctx := context.Background()

	est, err := fb.Estimate(ctx, "banana")
	require.NoError(t, err)
	assert.Equal(t, Placeholder("banana"), est)
	assert.Empty(t, factory.created)

	keys.set("k1")
	est, err = fb.Estimate(ctx, "banana")
	require.NoError(t, err)
	assert.Equal(t, "from k1", est.Name)
	_, _ = fb.Estimate(ctx, "banana")
	assert.Equal(t, []string{"k1"}, factory.created)

	keys.set("k2")
	est, err = fb.Estimate(ctx, "banana")
	require.NoError(t, err)
	assert.Equal(t, "from k2", est.Name)
	assert.True(t, factory.built[0].closed)

	factory.built[1].err = &EstimationError{Provider: "stub", Err: errors.New("quota")}
	est, err = fb.Estimate(ctx, "banana")
	require.NoError(t, err)
	assert.Equal(t, PlaceholderVerdict, est.Verdict)
	assert.Equal(t, 100.0, est.Calories)

	require.NoError(t, fb.Close())
	assert.True(t, factory.built[1].closed)
}

func TestPlaceholder(t *testing.T) {
	est, err := PlaceholderEstimator{}.Estimate(context.Background(), "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup", est.Name)
	assert.Equal(t, models.Macros{Protein: 5, Carbs: 10, Fat: 2}, est.Macros)
	assert.Equal(t, map[string]float64{"Vitamin C": 10}, est.Micros)
}
