package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/shared"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 3 * time.Second

// Config configures the provider client.
type Config struct {
	BaseURL    string
	AnonKey    string
	ServiceKey string
	Timeout    time.Duration
}

// Client wraps interactions with the GoTrue REST API.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
		timeout:    timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

func (t tokenResponse) session() Session {
	s := Session{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, User: t.User}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		s.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	return s
}

// Ping checks if the provider is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", c.anonKey, nil, nil)
}

// SignInWithPassword exchanges an email/password pair for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (Session, error) {
	var out tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	return out.session(), nil
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, ErrInvalidToken
	}
	var out tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &out); err != nil {
		return Session{}, rejectedAs(err, ErrInvalidToken)
	}
	return out.session(), nil
}

// VerifyOTP redeems an email link token (recovery, magic link, signup).
func (c *Client) VerifyOTP(ctx context.Context, tokenHash, otpType string) (Session, error) {
	var out tokenResponse
	body := map[string]string{"token_hash": tokenHash, "type": otpType}
	if err := c.do(ctx, http.MethodPost, "/verify", "", body, &out); err != nil {
		return Session{}, rejectedAs(err, ErrInvalidCode)
	}
	return out.session(), nil
}

// GetUser reads the live user record for the access token.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/user", accessToken, nil, &out); err != nil {
		return User{}, rejectedAs(err, ErrInvalidToken)
	}
	return out, nil
}

// UpdateCurrentUser sets a new password for the token's user.
func (c *Client) UpdateCurrentUser(ctx context.Context, accessToken, password string) error {
	body := map[string]string{"password": password}
	if err := c.do(ctx, http.MethodPut, "/user", accessToken, body, nil); err != nil {
		return rejectedAs(err, ErrInvalidToken)
	}
	return nil
}

// UpdateUserByID sets a new password for any user using the service key.
func (c *Client) UpdateUserByID(ctx context.Context, id uuid.UUID, password string) error {
	body := map[string]string{"password": password}
	return c.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(id.String()), c.serviceKey, body, nil)
}

// CreateUser registers a confirmed account using the service key.
func (c *Client) CreateUser(ctx context.Context, email, password string) (uuid.UUID, error) {
	var out User
	body := map[string]any{"email": email, "password": password, "email_confirm": true}
	if err := c.do(ctx, http.MethodPost, "/admin/users", c.serviceKey, body, &out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

// DeleteUser removes an account using the service key. An account that is
// already gone counts as deleted.
func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) error {
	err := c.do(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(id.String()), c.serviceKey, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// SignOut revokes sessions of the token's user; scope is "global", "local" or "others".
func (c *Client) SignOut(ctx context.Context, accessToken, scope string) error {
	path := "/logout"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	if err := c.do(ctx, http.MethodPost, path, accessToken, nil, nil); err != nil {
		var apiErr *APIError
		// An already revoked session is what the caller wanted.
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// EnrollTOTP starts a TOTP factor enrollment.
func (c *Client) EnrollTOTP(ctx context.Context, accessToken, friendlyName string) (TOTPEnrollment, error) {
	var out struct {
		ID   string `json:"id"`
		TOTP struct {
			QRCode string `json:"qr_code"`
			Secret string `json:"secret"`
			URI    string `json:"uri"`
		} `json:"totp"`
	}
	body := map[string]string{"factor_type": "totp", "friendly_name": friendlyName}
	if err := c.do(ctx, http.MethodPost, "/factors", accessToken, body, &out); err != nil {
		return TOTPEnrollment{}, rejectedAs(err, ErrInvalidToken)
	}
	return TOTPEnrollment{FactorID: out.ID, QRCode: out.TOTP.QRCode, Secret: out.TOTP.Secret, URI: out.TOTP.URI}, nil
}

// Challenge opens a challenge on the factor and returns its id.
func (c *Client) Challenge(ctx context.Context, accessToken, factorID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/factors/"+url.PathEscape(factorID)+"/challenge", accessToken, nil, &out); err != nil {
		return "", rejectedAs(err, ErrInvalidToken)
	}
	return out.ID, nil
}

// Verify answers a challenge. On success the returned session is at aal2.
func (c *Client) Verify(ctx context.Context, accessToken, factorID, challengeID, code string) (Session, error) {
	var out tokenResponse
	body := map[string]string{"challenge_id": challengeID, "code": code}
	if err := c.do(ctx, http.MethodPost, "/factors/"+url.PathEscape(factorID)+"/verify", accessToken, body, &out); err != nil {
		return Session{}, rejectedAs(err, ErrInvalidCode)
	}
	return out.session(), nil
}

// ChallengeAndVerify opens a challenge and answers it in one step.
func (c *Client) ChallengeAndVerify(ctx context.Context, accessToken, factorID, code string) (Session, error) {
	challengeID, err := c.Challenge(ctx, accessToken, factorID)
	if err != nil {
		return Session{}, err
	}
	return c.Verify(ctx, accessToken, factorID, challengeID, code)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: %s %s: %w: %w", method, redactQuery(path), shared.ErrProviderUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("identity: %s %s: %w: status %d", method, redactQuery(path), shared.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("identity: decode %s %s: %w", method, redactQuery(path), err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &payload)

	apiErr := &APIError{Status: resp.StatusCode, Code: payload.ErrorCode}
	if apiErr.Code == "" {
		apiErr.Code = payload.Error
	}
	for _, m := range []string{payload.Msg, payload.Message, payload.ErrorDescription} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// rejectedAs maps a 4xx answer to sentinel while keeping the provider detail.
func rejectedAs(err error, sentinel error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func redactQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
