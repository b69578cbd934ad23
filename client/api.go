package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/pkg/errors"
)

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// AttachmentRef describes an uploaded blob to send along with a message.
type AttachmentRef struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// APIClient talks to the server's REST API with a bearer token.
type APIClient struct {
	base  string
	token string
	http  *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		base:  strings.TrimSuffix(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the server URL the client talks to.
func (c *APIClient) BaseURL() string {
	return c.base
}

// Token returns the bearer token, if any.
func (c *APIClient) Token() string {
	return c.token
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *APIClient) send(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message, apiErr.Code = payload.Error, payload.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

// Register creates an account on a server with open registration and
// keeps the issued token.
func (c *APIClient) Register(ctx context.Context, login, firstName, lastName string) (*models.User, error) {
	var out struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/users", map[string]string{
		"login":     login,
		"firstName": firstName,
		"lastName":  lastName,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out.User, nil
}

// Me returns the authenticated user.
func (c *APIClient) Me(ctx context.Context) (*models.User, error) {
	var out struct {
		User models.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// SearchUsers finds users by login or name.
func (c *APIClient) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var out struct {
		Users []models.User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/api/users?query="+url.QueryEscape(query), nil, &out)
	return out.Users, err
}

// ListChats returns the caller's conversation list.
func (c *APIClient) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	var out struct {
		Chats []models.ChatSummary `json:"chats"`
	}
	err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out)
	return out.Chats, err
}

// CreateChat creates a group chat with the given member logins.
func (c *APIClient) CreateChat(ctx context.Context, title string, logins []string) (*models.Chat, error) {
	var out struct {
		Chat models.Chat `json:"chat"`
	}
	err := c.do(ctx, http.MethodPost, "/api/chats", map[string]interface{}{"title": title, "members": logins}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Chat, nil
}

// OpenDirect returns the direct chat with the user, creating it if needed.
func (c *APIClient) OpenDirect(ctx context.Context, login string) (*models.ChatSummary, error) {
	var out struct {
		Chat models.ChatSummary `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/direct", map[string]string{"login": login}, &out); err != nil {
		return nil, err
	}
	return &out.Chat, nil
}

// AddMember adds a user to a group chat.
func (c *APIClient) AddMember(ctx context.Context, chatID, login string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/members", map[string]string{"login": login}, nil)
}

// LeaveChat removes the caller from a chat.
func (c *APIClient) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+chatID+"/members/me", nil, nil)
}

// ListMessages returns the newest page of a chat's messages.
func (c *APIClient) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	msgs, _, err := c.ListMessagesBefore(ctx, chatID, "")
	return msgs, err
}

// ListMessagesBefore returns the page of messages older than beforeID and
// whether there are more.
func (c *APIClient) ListMessagesBefore(ctx context.Context, chatID, beforeID string) ([]models.Message, bool, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
		HasMore  bool             `json:"hasMore"`
	}
	path := "/api/chats/" + chatID + "/messages"
	if beforeID != "" {
		path += "?before=" + url.QueryEscape(beforeID)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, out.HasMore, err
}

// SendMessage posts a message to a chat.
func (c *APIClient) SendMessage(ctx context.Context, chatID, content, replyToID string, attachments []AttachmentRef) (*models.Message, error) {
	var out struct {
		Message models.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", map[string]interface{}{
		"content":     content,
		"replyToId":   replyToID,
		"attachments": attachments,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// EditMessage replaces the content of one of the caller's messages.
func (c *APIClient) EditMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	var out struct {
		Message models.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/messages/"+messageID, map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// DeleteMessage deletes one of the caller's messages.
func (c *APIClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

// MarkRead marks a chat read and returns the newly read message IDs.
func (c *APIClient) MarkRead(ctx context.Context, chatID string) ([]string, error) {
	var out struct {
		MessageIDs []string `json:"messageIds"`
	}
	err := c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/read", nil, &out)
	return out.MessageIDs, err
}

// Upload stores a file and returns the reference to attach to a message.
func (c *APIClient) Upload(ctx context.Context, name string, r io.Reader) (*AttachmentRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, errors.Wrap(err, "read upload")
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/attachments", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		Attachment AttachmentRef `json:"attachment"`
	}
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out.Attachment, nil
}
