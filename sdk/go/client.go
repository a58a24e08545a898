// Package cityflowsdk is a small client for the Cityflow HTTP API.
package cityflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Cityflow server. Set BearerToken or APIKey before calling.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for baseURL with the default /v0 base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Trigger struct {
	Type          string   `json:"type"`
	Condition     string   `json:"condition,omitempty"`
	Category      string   `json:"category,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	Metric        string   `json:"metric,omitempty"`
	Time          string   `json:"time,omitempty"`
	Days          []string `json:"days,omitempty"`
	WindowMinutes int      `json:"window_minutes,omitempty"`
	Cron          string   `json:"cron,omitempty"`
}

type Action struct {
	Type    string         `json:"type"`
	Target  string         `json:"target,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Rule is both the create payload and the stored rule.
type Rule struct {
	ID              string     `json:"id,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Enabled         *bool      `json:"enabled,omitempty"`
	Trigger         Trigger    `json:"trigger"`
	Actions         []Action   `json:"actions"`
	CooldownMinutes int        `json:"cooldown_minutes,omitempty"`
	ExecutionCount  int        `json:"execution_count,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
}

// Signal is an incoming alert, metric reading, tick or named event.
type Signal struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Category    string         `json:"category,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Name        string         `json:"name,omitempty"`
	Metric      string         `json:"metric,omitempty"`
	MetricValue *float64       `json:"metric_value,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type FiringReport struct {
	EventID string `json:"event_id"`
	Fired   []struct {
		RuleID   string `json:"rule_id"`
		RuleName string `json:"rule_name"`
		Actions  []struct {
			Kind   string `json:"kind"`
			Target string `json:"target,omitempty"`
			TaskID string `json:"task_id,omitempty"`
			Error  string `json:"error,omitempty"`
		} `json:"actions"`
	} `json:"fired"`
	Suppressed []string `json:"suppressed"`
	Errors     []struct {
		RuleID string `json:"rule_id"`
		Error  string `json:"error"`
	} `json:"errors,omitempty"`
}

type PartRequirement struct {
	SKU      string `json:"sku"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

type Prediction struct {
	ID            string            `json:"id"`
	DeviceName    string            `json:"device_name"`
	DeviceType    string            `json:"device_type,omitempty"`
	Urgency       string            `json:"urgency"`
	RepairCost    float64           `json:"repair_cost,omitempty"`
	ReplaceCost   float64           `json:"replace_cost,omitempty"`
	EstimatedTime string            `json:"estimated_time,omitempty"`
	RequiredParts []PartRequirement `json:"required_parts,omitempty"`
}

type IngestReport struct {
	Received  int `json:"received"`
	Stored    int `json:"stored"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
	Batch     *struct {
		Created    int                 `json:"created"`
		TaskIDs    []string            `json:"task_ids"`
		Shortfalls map[string][]string `json:"shortfalls,omitempty"`
	} `json:"batch,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string `json:"id"`
	PredictionID    string `json:"prediction_id"`
	DeviceName      string `json:"device_name"`
	MaintenanceType string `json:"maintenance_type"`
	Priority        string `json:"priority"`
	Status          string `json:"status"`
	Technician      *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"technician,omitempty"`
	ScheduledDate time.Time         `json:"scheduled_date"`
	PartsReserved []PartRequirement `json:"parts_reserved"`
	EstimatedCost float64           `json:"estimated_cost"`
}

type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type Permit struct {
	ID           string `json:"id"`
	PermitNumber string `json:"permit_number"`
	Subject      string `json:"subject"`
	CurrentStep  string `json:"current_step"`
	History      []struct {
		Step      string    `json:"step"`
		Timestamp time.Time `json:"timestamp"`
		Actor     string    `json:"actor"`
		Notes     string    `json:"notes,omitempty"`
	} `json:"history"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// EventPage wraps list responses with cursors.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendSignal evaluates a signal against the enabled rules.
func (c *Client) SendSignal(ctx context.Context, s Signal) (FiringReport, error) {
	var resp FiringReport
	err := c.do(ctx, http.MethodPost, "signals", s, &resp)
	return resp, err
}

func (c *Client) ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	endpoint := "rules"
	if enabledOnly {
		endpoint += "?enabled_only=true"
	}
	var resp []Rule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", r, &resp)
	return resp, err
}

// SetRuleEnabled enables or disables a rule.
func (c *Client) SetRuleEnabled(ctx context.Context, id string, enabled bool) (Rule, error) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var resp Rule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rules/%s/%s", url.PathEscape(id), verb), nil, &resp)
	return resp, err
}

// IngestPredictions stores new predictions; the server materializes them when auto-create is on.
func (c *Client) IngestPredictions(ctx context.Context, preds []Prediction) (IngestReport, error) {
	var resp IngestReport
	err := c.do(ctx, http.MethodPost, "predictions", map[string]any{"predictions": preds}, &resp)
	return resp, err
}

// TasksPage returns one page of tasks, newest first.
func (c *Client) TasksPage(ctx context.Context, status string, limit int, cursor string) (TaskPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) CreatePermit(ctx context.Context, number, subject string) (Permit, error) {
	var resp Permit
	err := c.do(ctx, http.MethodPost, "permits", map[string]any{"permit_number": number, "subject": subject}, &resp)
	return resp, err
}

// AdvancePermit applies approve, reject or cancel.
func (c *Client) AdvancePermit(ctx context.Context, id, action, notes string) (Permit, error) {
	body := map[string]any{"action": action}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Permit
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("permits/%s/advance", url.PathEscape(id)), body, &resp)
	return resp, err
}

// EventsPage returns a paginated audit listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (EventPage, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
