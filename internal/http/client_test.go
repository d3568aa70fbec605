package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/automation-service/internal/gateway"
)

func staticToken(token string) TokenSource {
	return TokenFunc(func(ctx context.Context, accountID string) (string, error) {
		return token + "-" + accountID, nil
	})
}

func TestClientSendsAuthorizedJSON(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", staticToken("tok"), time.Second)
	resp, err := c.Do(context.Background(), "acc-1", gateway.Operation{
		Kind:   "set_budget",
		Method: http.MethodPost,
		Path:   "/campaigns/7/budget",
		Query:  map[string][]string{"dry": {"1"}},
		Body:   map[string]string{"budget": "120.50"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, 3*time.Second, resp.RetryAfter)
	assert.Equal(t, "Bearer tok-acc-1", gotAuth)
	assert.Equal(t, "/campaigns/7/budget", gotPath)
	assert.Equal(t, "dry=1", gotQuery)
	assert.Equal(t, "120.50", gotBody["budget"])
}

func TestClientCredentialFailureIsPermanent(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", TokenFunc(func(ctx context.Context, accountID string) (string, error) {
		return "", errors.New("no credentials")
	}), time.Second)

	_, err := c.Do(context.Background(), "acc-1", gateway.Operation{Kind: "list_entities", Path: "/x"})

	assert.ErrorIs(t, err, gateway.ErrPermanent)
	assert.True(t, gateway.IsAccountFatal(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}
