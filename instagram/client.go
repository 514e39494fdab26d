package instagram

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

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultBaseURL is the private mobile API root.
var DefaultBaseURL = "https://i.instagram.com/api/v1"

const (
	appID            = "567067343352427"
	defaultUserAgent = "Instagram 275.0.0.27.98 Android (33/13; 420dpi; 1080x2400; samsung; SM-G991B; o1s; exynos2100; en_US; 458229237)"
	maxResponseBytes = 4 << 20
	threadPageSize   = 20
	searchCount      = 30
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	InboxPages int // pages of each inbox to scan, default 1
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Client talks to the Instagram private API on behalf of the operator account.
// Every call except Authenticate takes the Session to use, so one Client can
// serve concurrent requests sharing a session.
type Client struct {
	baseURL    string
	username   string
	password   string
	inboxPages int
	httpClient *http.Client
	clock      clockwork.Clock
	deviceID   string // android-<hex>, stable per operator account
	phoneID    string
}

// NewClient creates a new Client. The device identity is derived from the
// operator username so repeated logins look like the same phone.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.InboxPages <= 0 {
		cfg.InboxPages = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	seed := uuid.NewSHA1(uuid.NameSpaceOID, []byte("verifybot:"+cfg.Username))
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		inboxPages: cfg.InboxPages,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		deviceID:   "android-" + strings.ReplaceAll(seed.String(), "-", "")[:16],
		phoneID:    seed.String(),
	}, nil
}

// Username returns the operator account name.
func (c *Client) Username() string {
	return c.username
}

type loginResponse struct {
	LoggedInUser struct {
		PK       json.Number `json:"pk"`
		Username string      `json:"username"`
	} `json:"logged_in_user"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	ErrorType         string `json:"error_type"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

// Authenticate logs the operator in and returns a fresh session.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	payload, err := json.Marshal(map[string]string{
		"username":            c.username,
		"enc_password":        fmt.Sprintf("#PWD_INSTAGRAM:0:%d:%s", c.clock.Now().Unix(), c.password),
		"device_id":           c.deviceID,
		"guid":                c.phoneID,
		"phone_id":            c.phoneID,
		"login_attempt_count": "0",
	})
	if err != nil {
		return nil, fmt.Errorf("instagram: encode login payload: %w", err)
	}
	form := url.Values{"signed_body": {"SIGNATURE." + string(payload)}}

	req, err := c.newRequest(ctx, nil, http.MethodPost, "/accounts/login/", nil, form)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.send(req)
	if err != nil {
		return nil, err
	}

	var res loginResponse
	_ = json.Unmarshal(body, &res)

	if resp.StatusCode >= http.StatusMultipleChoices {
		switch {
		case res.TwoFactorRequired:
			return nil, ErrTwoFactorRequired
		case res.ErrorType == "checkpoint_challenge_required" || res.Message == "challenge_required":
			return nil, ErrCheckpoint
		case res.ErrorType == "bad_password" || res.ErrorType == "invalid_user":
			return nil, ErrBadCredentials
		}
		return nil, decodeError(resp.StatusCode, body)
	}

	authorization := resp.Header.Get("ig-set-authorization")
	if authorization == "" || res.LoggedInUser.PK == "" {
		return nil, fmt.Errorf("instagram: login response carried no session")
	}

	return &Session{
		Username:      res.LoggedInUser.Username,
		UserID:        res.LoggedInUser.PK.String(),
		Authorization: authorization,
		CreatedAt:     c.clock.Now(),
	}, nil
}

// ResolveAccountByHandle finds the account whose username exactly matches handle.
// Usernames are lowercase on Instagram, so handle is lowercased before comparing.
func (c *Client) ResolveAccountByHandle(ctx context.Context, sess *Session, handle string) (*User, error) {
	want := strings.ToLower(strings.TrimPrefix(handle, "@"))

	var res struct {
		Users []User `json:"users"`
	}
	query := url.Values{
		"q":               {want},
		"count":           {strconv.Itoa(searchCount)},
		"timezone_offset": {"0"},
	}
	if err := c.do(ctx, sess, http.MethodGet, "/users/search/", query, nil, &res); err != nil {
		return nil, err
	}

	for i := range res.Users {
		if res.Users[i].Username == want {
			return &res.Users[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUserNotFound, want)
}

// GetPublicProfile returns follower and following counts for an account.
func (c *Client) GetPublicProfile(ctx context.Context, sess *Session, accountID string) (*UserInfo, error) {
	var res struct {
		User UserInfo `json:"user"`
	}
	if err := c.do(ctx, sess, http.MethodGet, "/users/"+url.PathEscape(accountID)+"/info/", nil, nil, &res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, accountID)
		}
		return nil, err
	}
	return &res.User, nil
}

// GetFollowRelationship returns how the account relates to the operator.
func (c *Client) GetFollowRelationship(ctx context.Context, sess *Session, accountID string) (*Friendship, error) {
	var res Friendship
	if err := c.do(ctx, sess, http.MethodGet, "/friendships/show/"+url.PathEscape(accountID)+"/", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListPrimaryInboxThreads returns the newest threads of the accepted inbox.
func (c *Client) ListPrimaryInboxThreads(ctx context.Context, sess *Session) ([]Thread, error) {
	return c.listThreads(ctx, sess, "/direct_v2/inbox/")
}

// ListPendingInboxThreads returns the newest message requests.
func (c *Client) ListPendingInboxThreads(ctx context.Context, sess *Session) ([]Thread, error) {
	return c.listThreads(ctx, sess, "/direct_v2/pending_inbox/")
}

// AcceptPendingThread moves a message request into the primary inbox.
func (c *Client) AcceptPendingThread(ctx context.Context, sess *Session, threadID string) error {
	form := url.Values{"_uuid": {c.phoneID}}
	return c.do(ctx, sess, http.MethodPost, "/direct_v2/threads/"+url.PathEscape(threadID)+"/approve/", nil, form, nil)
}

type inboxResponse struct {
	Inbox struct {
		Threads      []Thread `json:"threads"`
		HasOlder     bool     `json:"has_older"`
		OldestCursor string   `json:"oldest_cursor"`
	} `json:"inbox"`
}

func (c *Client) listThreads(ctx context.Context, sess *Session, path string) ([]Thread, error) {
	var threads []Thread
	cursor := ""
	for page := 0; page < c.inboxPages; page++ {
		query := url.Values{
			"visual_message_return_type": {"unseen"},
			"persistentBadging":          {"true"},
			"limit":                      {strconv.Itoa(threadPageSize)},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var res inboxResponse
		if err := c.do(ctx, sess, http.MethodGet, path, query, nil, &res); err != nil {
			return nil, err
		}
		threads = append(threads, res.Inbox.Threads...)

		if !res.Inbox.HasOlder || res.Inbox.OldestCursor == "" {
			break
		}
		cursor = res.Inbox.OldestCursor
	}
	return threads, nil
}

func (c *Client) do(ctx context.Context, sess *Session, method, path string, query, form url.Values, out any) error {
	if sess == nil || sess.Authorization == "" {
		return ErrLoginRequired
	}
	req, err := c.newRequest(ctx, sess, method, path, query, form)
	if err != nil {
		return err
	}
	resp, body, err := c.send(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("instagram: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, sess *Session, method, path string, query, form url.Values) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("instagram: build request %s: %w", path, err)
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("X-IG-App-ID", appID)
	req.Header.Set("X-IG-Device-ID", c.phoneID)
	req.Header.Set("X-IG-Android-ID", c.deviceID)
	req.Header.Set("Accept-Language", "en-US")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	if sess != nil {
		req.Header.Set("Authorization", sess.Authorization)
		req.Header.Set("IG-U-DS-User-ID", sess.UserID)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("instagram: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("instagram: read %s response: %w", req.URL.Path, err)
	}
	return resp, body, nil
}

func decodeError(status int, body []byte) error {
	var payload struct {
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
	}
	_ = json.Unmarshal(body, &payload)
	apiErr := &APIError{StatusCode: status, Message: payload.Message, ErrorType: payload.ErrorType}

	switch {
	case status == http.StatusUnauthorized, payload.Message == "login_required":
		return fmt.Errorf("%w: %w", ErrLoginRequired, apiErr)
	case status == http.StatusTooManyRequests, payload.Message == "Please wait a few minutes before you try again.":
		return fmt.Errorf("%w: %w", ErrRateLimited, apiErr)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}
