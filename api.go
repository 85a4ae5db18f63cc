package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API is the REST collaborator behind the sync core.
type API interface {
	ListRooms(ctx context.Context) ([]ChatRoom, error)
	ListMessages(ctx context.Context, roomID string, page PageOptions) ([]*Message, error)
	CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error)
	MarkRead(ctx context.Context, roomID string, at time.Time) error
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (*ChatRoom, error)
	UpdateRoom(ctx context.Context, roomID string, req *UpdateRoomRequest) (*ChatRoom, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	creds      CredentialStore
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. The token is read from creds on every
// request so a refreshed token is picked up without rebuilding the client.
func NewClient(creds CredentialStore, opts ...ClientOption) *Client {
	c := &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s returned 401", ErrAuthExpired, method, path)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, fmt.Errorf("%s %s: HTTP %d: %w", method, path, resp.StatusCode, err)
	}
	if !result.OK || resp.StatusCode >= 400 {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func roomPath(roomID string, rest ...string) string {
	p := "/api/chat/rooms/" + url.PathEscape(roomID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ============================================================================
// Rooms
// ============================================================================

func (c *Client) ListRooms(ctx context.Context) ([]ChatRoom, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	var rooms []ChatRoom
	if err := res.Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*ChatRoom, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/chat/rooms", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeRoom(res)
}

func (c *Client) UpdateRoom(ctx context.Context, roomID string, req *UpdateRoomRequest) (*ChatRoom, error) {
	res, err := c.doRequest(ctx, http.MethodPatch, roomPath(roomID), req, nil)
	if err != nil {
		return nil, err
	}
	return decodeRoom(res)
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
	return err
}

func decodeRoom(res *Result) (*ChatRoom, error) {
	var room ChatRoom
	if err := res.Decode(&room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if room.ID == "" {
		return nil, fmt.Errorf("decode room: %w", anomaly("room without id"))
	}
	return &room, nil
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) ListMessages(ctx context.Context, roomID string, page PageOptions) ([]*Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if !page.Before.IsZero() {
		q.Set("before", page.Before.UTC().Format(time.RFC3339Nano))
	}
	res, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "messages"), nil, q)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]*Message, 0, len(raw))
	for _, r := range raw {
		msg, err := decodeWireMessage(r)
		if err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, roomPath(req.RoomID, "messages"), req, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeWireMessage(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID string, at time.Time) error {
	body := map[string]any{"timestamp": at.UTC().Format(time.RFC3339Nano)}
	_, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "read"), body, nil)
	return err
}
