// Package adplatform implements the ad-platform operations the engine needs on
// top of the rate-limited gateway.
package adplatform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/types"
)

// Caller is the gateway surface used by the client
type Caller interface {
	Call(ctx context.Context, accountID string, op gateway.Operation) (*gateway.Response, error)
}

// Client exposes typed ad-platform operations
type Client struct {
	gw Caller
}

// NewClient creates a client over the gateway
func NewClient(gw Caller) *Client {
	return &Client{gw: gw}
}

type entityPayload struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Budget decimal.Decimal `json:"budget"`
}

// ListEntities returns every banner or ad group of the account
func (c *Client) ListEntities(ctx context.Context, accountID string) ([]types.Entity, error) {
	resp, err := c.gw.Call(ctx, accountID, gateway.Operation{
		Kind:   "list_entities",
		Method: http.MethodGet,
		Path:   "/accounts/" + url.PathEscape(accountID) + "/entities",
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Entities []entityPayload `json:"entities"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}

	out := make([]types.Entity, 0, len(payload.Entities))
	for _, e := range payload.Entities {
		status := types.EntityActive
		if e.Status != string(types.EntityActive) {
			status = types.EntityDisabled
		}
		out = append(out, types.Entity{
			ID:        e.ID,
			AccountID: accountID,
			Name:      e.Name,
			Status:    status,
			Budget:    e.Budget,
		})
	}
	return out, nil
}

// FetchMetrics returns metric snapshots for the requested entities over the
// lookback window. Entities with no history are absent from the result or
// carry only the metrics the platform reported.
func (c *Client) FetchMetrics(ctx context.Context, accountID string, entityIDs []string, lookback time.Duration) (map[string]types.Metrics, error) {
	out := make(map[string]types.Metrics, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}

	resp, err := c.gw.Call(ctx, accountID, gateway.Operation{
		Kind:   "fetch_metrics",
		Method: http.MethodPost,
		Path:   "/accounts/" + url.PathEscape(accountID) + "/statistics",
		Body: map[string]any{
			"ids":            entityIDs,
			"lookback_hours": strconv.Itoa(int(lookback.Hours())),
		},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []struct {
			ID      string                               `json:"id"`
			Metrics map[types.Metric]decimal.NullDecimal `json:"metrics"`
		} `json:"items"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}

	for _, item := range payload.Items {
		m := make(types.Metrics, len(item.Metrics))
		for name, v := range item.Metrics {
			if v.Valid {
				m[name] = v.Decimal
			}
		}
		DeriveMetrics(m)
		out[item.ID] = m
	}
	return out, nil
}

var hundred = decimal.NewFromInt(100)
var thousand = decimal.NewFromInt(1000)

// DeriveMetrics fills ratio metrics the platform did not report. A ratio with a
// zero denominator stays missing.
func DeriveMetrics(m types.Metrics) {
	spend, hasSpend := m[types.MetricSpend]
	clicks, hasClicks := m[types.MetricClicks]
	impressions, hasImpressions := m[types.MetricImpressions]
	conversions, hasConversions := m[types.MetricConversions]

	if _, ok := m[types.MetricCTR]; !ok && hasClicks && hasImpressions && impressions.IsPositive() {
		m[types.MetricCTR] = clicks.Div(impressions).Mul(hundred).Round(4)
	}
	if _, ok := m[types.MetricCPC]; !ok && hasSpend && hasClicks && clicks.IsPositive() {
		m[types.MetricCPC] = spend.Div(clicks).Round(2)
	}
	if _, ok := m[types.MetricCPM]; !ok && hasSpend && hasImpressions && impressions.IsPositive() {
		m[types.MetricCPM] = spend.Div(impressions).Mul(thousand).Round(2)
	}
	if _, ok := m[types.MetricCostPerConversion]; !ok && hasSpend && hasConversions && conversions.IsPositive() {
		m[types.MetricCostPerConversion] = spend.Div(conversions).Round(2)
	}
}

// DisableEntity stops the entity
func (c *Client) DisableEntity(ctx context.Context, accountID, entityID string) error {
	_, err := c.gw.Call(ctx, accountID, gateway.Operation{
		Kind:   "disable_entity",
		Method: http.MethodPost,
		Path:   entityPath(accountID, entityID) + "/disable",
	})
	return err
}

// SetBudget sets the daily budget of the entity
func (c *Client) SetBudget(ctx context.Context, accountID, entityID string, budget decimal.Decimal) error {
	_, err := c.gw.Call(ctx, accountID, gateway.Operation{
		Kind:   "set_budget",
		Method: http.MethodPut,
		Path:   entityPath(accountID, entityID) + "/budget",
		Body:   map[string]string{"budget": budget.StringFixed(2)},
	})
	return err
}

// DuplicateOptions configures a copy
type DuplicateOptions struct {
	NamePrefix string
	Budget     *decimal.Decimal
}

// DuplicateEntity copies the entity and returns the new entity ID
func (c *Client) DuplicateEntity(ctx context.Context, accountID, entityID string, opts DuplicateOptions) (string, error) {
	body := map[string]string{}
	if opts.NamePrefix != "" {
		body["name_prefix"] = opts.NamePrefix
	}
	if opts.Budget != nil {
		body["budget"] = opts.Budget.StringFixed(2)
	}

	resp, err := c.gw.Call(ctx, accountID, gateway.Operation{
		Kind:   "duplicate_entity",
		Method: http.MethodPost,
		Path:   entityPath(accountID, entityID) + "/duplicate",
		Body:   body,
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&payload); err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("duplicate of %s returned no id", entityID)
	}
	return payload.ID, nil
}

func entityPath(accountID, entityID string) string {
	return "/accounts/" + url.PathEscape(accountID) + "/entities/" + url.PathEscape(entityID)
}
