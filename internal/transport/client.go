package transport

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

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// ClientOptions configures the REST client.
type ClientOptions struct {
	BaseURL    string
	Token      string
	UserID     string
	OrgID      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the chat REST API. Only reads are retried; writes are
// left to the caller so a lost response cannot duplicate a side effect.
type Client struct {
	baseURL    string
	token      string
	userID     string
	orgID      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

// NewClient creates a REST client.
func NewClient(opts ClientOptions, logger *zap.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		userID:     opts.UserID,
		orgID:      opts.OrgID,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
	}
}

// PageQuery selects a page of room history. Before and After are message ids.
type PageQuery struct {
	Before string
	After  string
	Limit  int
}

// MessagePage is one page of top-level room history, oldest first.
type MessagePage struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// ThreadPage is a thread parent and all of its replies.
type ThreadPage struct {
	Parent  model.Message   `json:"parent"`
	Replies []model.Message `json:"replies"`
}

// CreateRoomRequest is the body of a room create call.
type CreateRoomRequest struct {
	Name      string         `json:"name,omitempty"`
	Type      model.RoomType `json:"type"`
	IsPrivate bool           `json:"isPrivate"`
	ProjectID *string        `json:"projectId,omitempty"`
	MemberIDs []string       `json:"memberIds,omitempty"`
}

// RoomUpdate is the body of a room patch call. Nil fields are not sent.
type RoomUpdate struct {
	Name      *string `json:"name,omitempty"`
	IsPrivate *bool   `json:"isPrivate,omitempty"`
}

// SendRequest is the body of a message send call.
type SendRequest struct {
	ClientID      string   `json:"clientId"`
	Content       string   `json:"content"`
	ThreadID      *string  `json:"threadId,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

// PresignRequest asks for an upload destination.
type PresignRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// PresignResponse is a presigned upload destination.
type PresignResponse struct {
	AssetID   string            `json:"assetId"`
	FileID    string            `json:"fileId"`
	UploadURL string            `json:"uploadUrl"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// UnreadSnapshot is the bulk unread response. AsOf is the server time the
// counts were computed at; zero when the server omits it.
type UnreadSnapshot struct {
	Counts []model.UnreadCount `json:"counts"`
	AsOf   time.Time           `json:"asOf"`
}

// AIRequest carries the parameters of an assistant action.
type AIRequest struct {
	RoomID     string  `json:"roomId"`
	ThreadID   *string `json:"threadId,omitempty"`
	Question   string  `json:"question,omitempty"`
	DocumentID string  `json:"documentId,omitempty"`
}

// AIResponse is the request-response variant of an assistant action.
type AIResponse struct {
	Text    string         `json:"text"`
	Items   []string       `json:"items,omitempty"`
	Sources []model.Source `json:"sources,omitempty"`
	Cached  bool           `json:"cached"`
}

func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	var out RoomsBootstrap
	if err := c.doJSON(ctx, http.MethodGet, "/api/rooms", nil, &out); err != nil {
		return nil, err
	}
	if err := validateBootstrap(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out.Rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*model.Room, error) {
	var out model.Room
	if err := c.doJSON(ctx, http.MethodPost, "/api/rooms", req, &out); err != nil {
		return nil, err
	}
	if err := validateRoom(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &out, nil
}

func (c *Client) UpdateRoom(ctx context.Context, roomID string, req RoomUpdate) (*model.Room, error) {
	var out model.Room
	if err := c.doJSON(ctx, http.MethodPatch, "/api/rooms/"+url.PathEscape(roomID), req, &out); err != nil {
		return nil, err
	}
	if err := validateRoom(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &out, nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(roomID), nil, nil)
}

func (c *Client) ListMessages(ctx context.Context, roomID string, q PageQuery) (*MessagePage, error) {
	params := url.Values{}
	if q.Before != "" {
		params.Set("before", q.Before)
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out MessagePage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		if err := validateMessage(&out.Messages[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return &out, nil
}

func (c *Client) ListThread(ctx context.Context, parentID string) (*ThreadPage, error) {
	var out ThreadPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(parentID)+"/thread", nil, &out); err != nil {
		return nil, err
	}
	if err := validateMessage(&out.Parent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i := range out.Replies {
		if err := validateMessage(&out.Replies[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID string, req SendRequest) (*model.Message, error) {
	return c.messageCall(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", req)
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	body := map[string]string{"content": content}
	return c.messageCall(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID), body)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return c.messageCall(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil)
}

func (c *Client) PinMessage(ctx context.Context, messageID string, pinned bool) (*model.Message, error) {
	method := http.MethodPost
	if !pinned {
		method = http.MethodDelete
	}
	return c.messageCall(ctx, method, "/api/messages/"+url.PathEscape(messageID)+"/pin", nil)
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) (*model.Message, error) {
	return c.messageCall(ctx, http.MethodPost, reactionPath(messageID, emoji), nil)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) (*model.Message, error) {
	return c.messageCall(ctx, http.MethodDelete, reactionPath(messageID, emoji), nil)
}

func reactionPath(messageID, emoji string) string {
	return "/api/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(emoji)
}

// messageCall issues a write that answers with the updated message.
// An empty 2xx body yields a nil message and no error.
func (c *Client) messageCall(ctx context.Context, method, path string, body any) (*model.Message, error) {
	var out *model.Message
	if err := c.doJSON(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	if err := validateMessage(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func (c *Client) Presign(ctx context.Context, req PresignRequest) (*PresignResponse, error) {
	var out PresignResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads/presign", req, &out); err != nil {
		return nil, err
	}
	if out.AssetID == "" || out.UploadURL == "" {
		return nil, fmt.Errorf("%w: presign response missing assetId or uploadUrl", ErrMalformed)
	}
	return &out, nil
}

// UploadObject streams body to a presigned URL. The destination is not the
// chat API, so no credentials are attached.
func (c *Client) UploadObject(ctx context.Context, uploadURL string, headers map[string]string, body io.Reader, size int64, mimeType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.HTTPRequests.WithLabelValues(http.MethodPut, statusClass(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: http.MethodPut, Path: "upload", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	return nil
}

func (c *Client) ConfirmUpload(ctx context.Context, assetID string) (*model.Attachment, error) {
	var out model.Attachment
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads/"+url.PathEscape(assetID)+"/confirm", nil, &out); err != nil {
		return nil, err
	}
	if out.AssetID == "" {
		out.AssetID = assetID
	}
	return &out, nil
}

func (c *Client) UnreadCounts(ctx context.Context) (*UnreadSnapshot, error) {
	var out UnreadSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/unread", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID, messageID string) error {
	body := map[string]string{"lastSeenMessageId": messageID}
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/read", body, nil)
}

func (c *Client) AIRequest(ctx context.Context, action model.AIAction, req AIRequest) (*AIResponse, error) {
	var out AIResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/"+url.PathEscape(string(action)), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AIStream opens a server-sent event stream for action. The caller owns
// the returned body and must close it.
func (c *Client) AIStream(ctx context.Context, action model.AIAction, req AIRequest) (io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	path := "/api/ai/" + url.PathEscape(string(action)) + "/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams outlive the client's request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	metrics.HTTPRequests.WithLabelValues(http.MethodPost, statusClass(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, c.httpError(http.MethodPost, path, resp.StatusCode, payload)
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	if c.orgID != "" {
		req.Header.Set("X-Org-Id", c.orgID)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				metrics.HTTPRetries.Inc()
				c.logger.Debug("retrying request", zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		metrics.HTTPRequests.WithLabelValues(method, statusClass(resp.StatusCode)).Inc()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			metrics.HTTPRetries.Inc()
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return c.httpError(method, requestPath, resp.StatusCode, payloadBytes)
	}
}

func (c *Client) httpError(method, path string, status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &HTTPError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    msg,
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
