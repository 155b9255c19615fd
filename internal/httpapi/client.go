// Package httpapi talks to the chat server's REST endpoints for history
// pages and rosters.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/imclient/internal/protocol"
	"go.uber.org/zap"
)

// ErrNoCredential is returned when a request is attempted without a token.
var ErrNoCredential = errors.New("httpapi: no credential")

// APIError is a well-formed response whose code is not 200.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// CredentialSource supplies the bearer token.
type CredentialSource interface {
	Credential() (string, bool)
}

// Client is a thin REST client. It holds no state beyond its configuration.
type Client struct {
	base   *url.URL
	http   *http.Client
	creds  CredentialSource
	logger *zap.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, creds CredentialSource, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, http: httpClient, creds: creds, logger: logger.Named("httpapi")}, nil
}

// FetchHistory returns one page of a conversation's history. Page 1 is the newest.
func (c *Client) FetchHistory(ctx context.Context, convID int64, page, pageSize int) (protocol.HistoryPage, error) {
	q := url.Values{}
	q.Set("convId", strconv.FormatInt(convID, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var out protocol.HistoryPage
	if err := c.get(ctx, "/messageDetail/getMessageDetailsByConvId", q, &out); err != nil {
		return protocol.HistoryPage{}, err
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.PageSize == 0 {
		out.PageSize = pageSize
	}
	return out, nil
}

// FetchFriends returns the user's friend list.
func (c *Client) FetchFriends(ctx context.Context, userID int64) ([]protocol.Friend, error) {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(userID, 10))
	var out []protocol.Friend
	if err := c.get(ctx, "/friendRelationDetail/getFriendListbyUserId", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMembers returns the members of a conversation.
func (c *Client) FetchMembers(ctx context.Context, convID int64) ([]protocol.Member, error) {
	q := url.Values{}
	q.Set("convId", strconv.FormatInt(convID, 10))
	var out []protocol.Member
	if err := c.get(ctx, "/compressedCM/getCompressedCM", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, data any) error {
	token, ok := c.creds.Credential()
	if !ok {
		return ErrNoCredential
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", path, err)
	}
	c.logger.Debug("request done",
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	env := protocol.Envelope[json.RawMessage]{}
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: http %d", path, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: decode envelope: %w", path, err)
	}
	if env.Code != http.StatusOK {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("GET %s: decode data: %w", path, err)
	}
	return nil
}
