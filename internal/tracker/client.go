package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/tasklink/internal/bus"
)

// telegramIDFields are the custom user profile fields that may carry the
// telegram account ID, depending on how the portal was provisioned. Reads
// scan all of them; writes try them in order.
var telegramIDFields = []string{"UF_USR_TELEGRAM_ID", "UF_TELEGRAM_ID"}

// Remote status codes used by the tracker task API.
const (
	RemoteStatusPending    = "2"
	RemoteStatusInProgress = "3"
	RemoteStatusDeferred   = "4"
	RemoteStatusCompleted  = "5"
)

// flexInt64 tolerates the tracker's habit of returning numeric fields as
// JSON strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse numeric field %q: %w", s, err)
	}
	*f = flexInt64(v)
	return nil
}

// RemoteTask is the subset of remote task fields the sync loop needs.
type RemoteTask struct {
	ID            int64
	Title         string
	Status        string
	ResponsibleID int64
}

// RemoteUser is a tracker account, possibly annotated with a telegram ID.
type RemoteUser struct {
	ID         int64
	Name       string
	LastName   string
	Email      string
	TelegramID string
	Active     bool
}

// NewTask carries the fields for creating a remote task.
type NewTask struct {
	Title         string
	Description   string
	Priority      int // 1 low, 2 normal, 3 high
	CreatedBy     int64
	ResponsibleID int64
	GroupID       int64
	Accomplices   []int64
}

// Client talks to the tracker's inbound REST webhook. All numeric IDs cross
// the wire as strings; the envelope is {"result": ..., "error": ...}.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	bus     *bus.Bus // may be nil in tests
}

func NewClient(webhookURL string, timeout time.Duration, logger *slog.Logger, eventBus *bus.Bus) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !strings.HasSuffix(webhookURL, "/") {
		webhookURL += "/"
	}
	return &Client{
		baseURL: webhookURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		bus:     eventBus,
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Desc   string          `json:"error_description"`
}

// call POSTs a form-encoded request to <base>/<method>.json and unwraps the
// result envelope.
func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.doCall(ctx, method, params)
	if c.bus != nil {
		c.bus.Publish(bus.TopicTrackerCall, bus.TrackerCallEvent{
			Method:   method,
			Duration: time.Since(start),
			Failed:   err != nil,
		})
	}
	return result, err
}

func (c *Client) doCall(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + method + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Method: method, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Method: method, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &TransientError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Error != "" {
		if isNotFoundCode(env.Error, env.Desc) {
			return nil, ErrNotFound
		}
		return nil, &APIError{Method: method, Code: env.Error, Description: env.Desc}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Method: method, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode)}
	}
	return env.Result, nil
}

func isNotFoundCode(code, desc string) bool {
	switch code {
	case "TASK_NOT_FOUND", "ERROR_TASK_NOT_FOUND", "404":
		return true
	}
	return strings.Contains(strings.ToLower(desc), "not found")
}

// CreateTask creates a remote task and returns its ID.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (int64, error) {
	params := url.Values{}
	params.Set("fields[TITLE]", t.Title)
	params.Set("fields[DESCRIPTION]", t.Description)
	params.Set("fields[RESPONSIBLE_ID]", strconv.FormatInt(t.ResponsibleID, 10))
	if t.Priority > 0 {
		params.Set("fields[PRIORITY]", strconv.Itoa(t.Priority))
	}
	if t.CreatedBy > 0 {
		params.Set("fields[CREATED_BY]", strconv.FormatInt(t.CreatedBy, 10))
	}
	if t.GroupID > 0 {
		params.Set("fields[GROUP_ID]", strconv.FormatInt(t.GroupID, 10))
	}
	for i, id := range t.Accomplices {
		params.Set(fmt.Sprintf("fields[ACCOMPLICES][%d]", i), strconv.FormatInt(id, 10))
	}

	raw, err := c.call(ctx, "tasks.task.add", params)
	if err != nil {
		return 0, err
	}
	var result struct {
		Task struct {
			ID flexInt64 `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode tasks.task.add result: %w", err)
	}
	if result.Task.ID == 0 {
		return 0, fmt.Errorf("tasks.task.add returned no task id")
	}
	return int64(result.Task.ID), nil
}

// GetTask is the point lookup used by the reconciliation loop. A deleted
// remote task yields ErrNotFound.
func (c *Client) GetTask(ctx context.Context, id int64) (RemoteTask, error) {
	params := url.Values{}
	params.Set("taskId", strconv.FormatInt(id, 10))
	params.Set("select[0]", "ID")
	params.Set("select[1]", "TITLE")
	params.Set("select[2]", "STATUS")
	params.Set("select[3]", "RESPONSIBLE_ID")

	raw, err := c.call(ctx, "tasks.task.get", params)
	if err != nil {
		return RemoteTask{}, err
	}
	var result struct {
		Task struct {
			ID            flexInt64 `json:"id"`
			Title         string    `json:"title"`
			Status        string    `json:"status"`
			ResponsibleID flexInt64 `json:"responsibleId"`
		} `json:"task"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return RemoteTask{}, fmt.Errorf("decode tasks.task.get result: %w", err)
	}
	if result.Task.ID == 0 {
		// Some portal versions report deletions as an empty result instead
		// of an error code.
		return RemoteTask{}, ErrNotFound
	}
	return RemoteTask{
		ID:            int64(result.Task.ID),
		Title:         result.Task.Title,
		Status:        result.Task.Status,
		ResponsibleID: int64(result.Task.ResponsibleID),
	}, nil
}

// UpdateTaskStatus sets the remote status code for a task.
func (c *Client) UpdateTaskStatus(ctx context.Context, id int64, statusCode string) error {
	params := url.Values{}
	params.Set("taskId", strconv.FormatInt(id, 10))
	params.Set("fields[STATUS]", statusCode)
	_, err := c.call(ctx, "tasks.task.update", params)
	return err
}

// AddComment appends a comment to a remote task.
func (c *Client) AddComment(ctx context.Context, taskID int64, text string) error {
	params := url.Values{}
	params.Set("TASKID", strconv.FormatInt(taskID, 10))
	params.Set("FIELDS[POST_MESSAGE]", text)
	_, err := c.call(ctx, "task.commentitem.add", params)
	return err
}

type rawUser struct {
	ID          flexInt64 `json:"ID"`
	Name        string    `json:"NAME"`
	LastName    string    `json:"LAST_NAME"`
	Email       string    `json:"EMAIL"`
	Active      bool      `json:"ACTIVE"`
	TelegramIDA string    `json:"UF_USR_TELEGRAM_ID"`
	TelegramIDB string    `json:"UF_TELEGRAM_ID"`
}

func (u rawUser) telegramID() string {
	if v := strings.TrimSpace(u.TelegramIDA); v != "" {
		return v
	}
	return strings.TrimSpace(u.TelegramIDB)
}

func (u rawUser) toRemote() RemoteUser {
	return RemoteUser{
		ID:         int64(u.ID),
		Name:       u.Name,
		LastName:   u.LastName,
		Email:      u.Email,
		TelegramID: u.telegramID(),
		Active:     u.Active,
	}
}

// ListUsers returns all active tracker accounts.
func (c *Client) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	params := url.Values{}
	params.Set("filter[ACTIVE]", "true")

	raw, err := c.call(ctx, "user.get", params)
	if err != nil {
		return nil, err
	}
	var users []rawUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode user.get result: %w", err)
	}
	out := make([]RemoteUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.toRemote())
	}
	return out, nil
}

// UsersWithTelegramID returns accounts that carry a telegram ID annotation.
func (c *Client) UsersWithTelegramID(ctx context.Context) ([]RemoteUser, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var out []RemoteUser
	for _, u := range users {
		if u.TelegramID != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// FindUserByTelegramID is the authoritative point lookup for identity
// resolution. A user without the annotation yields ErrNotFound.
func (c *Client) FindUserByTelegramID(ctx context.Context, telegramID string) (RemoteUser, error) {
	var lastErr error
	for _, field := range telegramIDFields {
		params := url.Values{}
		params.Set("filter["+field+"]", telegramID)

		raw, err := c.call(ctx, "user.get", params)
		if err != nil {
			lastErr = err
			continue
		}
		var users []rawUser
		if err := json.Unmarshal(raw, &users); err != nil {
			return RemoteUser{}, fmt.Errorf("decode user.get result: %w", err)
		}
		for _, u := range users {
			if u.telegramID() == telegramID {
				return u.toRemote(), nil
			}
		}
	}
	if lastErr != nil {
		return RemoteUser{}, lastErr
	}
	return RemoteUser{}, ErrNotFound
}

// UpdateUserTelegramID writes (or clears) the telegram annotation on a
// tracker account. Candidate custom fields are tried in order; an API
// rejection (unknown field) moves to the next one.
func (c *Client) UpdateUserTelegramID(ctx context.Context, userID int64, telegramID string) error {
	var lastErr error
	for _, field := range telegramIDFields {
		params := url.Values{}
		params.Set("ID", strconv.FormatInt(userID, 10))
		params.Set("fields["+field+"]", telegramID)

		raw, err := c.call(ctx, "user.update", params)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				lastErr = err
				continue
			}
			return err
		}
		var ok bool
		if uerr := json.Unmarshal(raw, &ok); uerr == nil && !ok {
			lastErr = &APIError{Method: "user.update", Code: "UPDATE_REJECTED"}
			continue
		}
		return nil
	}
	return lastErr
}
