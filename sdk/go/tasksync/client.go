package tasksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Task is a task document. Fields holds every attribute except the identifier.
type Task struct {
	ID     string
	Fields map[string]any
}

// MarshalJSON encodes the task as a flat object carrying "_id".
func (t Task) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(t.Fields)+1)
	for k, v := range t.Fields {
		doc[k] = v
	}
	doc["_id"] = t.ID
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a flat task object.
func (t *Task) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	id, _ := doc["_id"].(string)
	delete(doc, "_id")
	t.ID = id
	t.Fields = doc
	return nil
}

// InsertResult is returned when a task is created over REST.
type InsertResult struct {
	Acknowledged bool   `json:"acknowledged"`
	InsertedID   string `json:"insertedId"`
}

// Update is the payload of a taskUpdated event.
type Update struct {
	ID          string         `json:"id"`
	UpdatedData map[string]any `json:"updatedData"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("tasksync api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tasksync api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 returned by the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client wraps the HTTP interactions with the TaskSync REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient instantiates a client for the TaskSync API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ListTasks returns every stored task.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.send(ctx, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask stores a new task and returns its identifier.
func (c *Client) CreateTask(ctx context.Context, fields map[string]any) (string, error) {
	var result InsertResult
	if err := c.send(ctx, http.MethodPost, "/task", fields, &result); err != nil {
		return "", err
	}
	return result.InsertedID, nil
}

// UpdateTask merges patch into the task identified by id.
func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) error {
	return c.send(ctx, http.MethodPatch, "/task/"+id, patch, nil)
}

// DeleteTask removes the task identified by id. Deleting a missing task succeeds.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/task/"+id, nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
