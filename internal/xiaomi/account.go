package xiaomi

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

const (
	DefaultAccountURL = "https://account.xiaomi.com/pass"

	serviceID      = "micoapi"
	loginUserAgent = "APP/com.xiaomi.mihome APPV/6.0.103 iosPassportSDK/3.9.0 iOS/14.4 miHSTS"
	loginPrefix    = "&&&START&&&"
)

// AccountOption configures the Account.
type AccountOption func(*Account)

// WithAccountURL overrides the account service base URL.
func WithAccountURL(u string) AccountOption {
	return func(a *Account) {
		a.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client for account and API calls.
func WithHTTPClient(c *http.Client) AccountOption {
	return func(a *Account) {
		a.http = c
	}
}

// Account authenticates against the Xiaomi account service and signs API
// requests with the resulting service token. With a password it performs a
// full login; without one it relies on the userId/passToken cookies already
// in the token store.
type Account struct {
	user    string
	pass    string
	store   *TokenStore
	baseURL string
	http    *http.Client
	log     *logger.Logger

	mu sync.Mutex // serializes logins
}

// NewAccount creates an account. pass may be empty for cookie auth.
func NewAccount(user, pass string, store *TokenStore, log *logger.Logger, opts ...AccountOption) *Account {
	a := &Account{
		user:    user,
		pass:    pass,
		store:   store,
		baseURL: DefaultAccountURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type loginResponse struct {
	Code      int        `json:"code"`
	Desc      string     `json:"desc"`
	QS        string     `json:"qs"`
	SID       string     `json:"sid"`
	Sign      string     `json:"_sign"`
	Callback  string     `json:"callback"`
	Location  string     `json:"location"`
	Nonce     flexString `json:"nonce"`
	SSecurity string     `json:"ssecurity"`
	UserID    flexString `json:"userId"`
	PassToken string     `json:"passToken"`
}

// Login obtains a fresh service token and persists it.
func (a *Account) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.login(ctx)
}

func (a *Account) login(ctx context.Context) error {
	a.log.Info("logging in to Xiaomi account")

	resp, err := a.serviceLogin(ctx, "serviceLogin?sid="+serviceID+"&_json=true", nil)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		if a.pass == "" {
			return fmt.Errorf("%w: pass token rejected (code %d: %s)", domain.ErrAuth, resp.Code, resp.Desc)
		}
		sum := md5.Sum([]byte(a.pass))
		form := url.Values{
			"_json":    {"true"},
			"qs":       {resp.QS},
			"sid":      {resp.SID},
			"_sign":    {resp.Sign},
			"callback": {resp.Callback},
			"user":     {a.user},
			"hash":     {strings.ToUpper(hex.EncodeToString(sum[:]))},
		}
		if resp, err = a.serviceLogin(ctx, "serviceLoginAuth2", form); err != nil {
			return err
		}
		if resp.Code != 0 {
			return fmt.Errorf("%w: code %d: %s", domain.ErrAuth, resp.Code, resp.Desc)
		}
	}
	if resp.Location == "" || resp.SSecurity == "" {
		return fmt.Errorf("%w: login response lacks location or ssecurity", domain.ErrAuth)
	}

	serviceToken, err := a.securityToken(ctx, resp.Location, string(resp.Nonce), resp.SSecurity)
	if err != nil {
		return err
	}

	tok := a.store.Load()
	tok.UserID = string(resp.UserID)
	if resp.PassToken != "" {
		tok.PassToken = resp.PassToken
	}
	tok.MicoAPI = []string{resp.SSecurity, serviceToken}
	if err := a.store.Save(tok); err != nil {
		a.log.Warn("persisting token: %v", err)
	}
	a.log.Info("logged in as user %s", tok.UserID)
	return nil
}

func (a *Account) serviceLogin(ctx context.Context, uri string, form url.Values) (*loginResponse, error) {
	method, body := http.MethodGet, io.Reader(nil)
	if form != nil {
		method, body = http.MethodPost, strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+"/"+uri, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	req.Header.Set("User-Agent", loginUserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	tok := a.store.Load()
	req.AddCookie(&http.Cookie{Name: "sdkVersion", Value: "3.9"})
	req.AddCookie(&http.Cookie{Name: "deviceId", Value: tok.DeviceID})
	if tok.PassToken != "" {
		req.AddCookie(&http.Cookie{Name: "userId", Value: tok.UserID})
		req.AddCookie(&http.Cookie{Name: "passToken", Value: tok.PassToken})
	}

	res, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	raw = bytes.TrimPrefix(raw, []byte(loginPrefix))

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response (status %d): %w", domain.ErrAuth, uri, res.StatusCode, err)
	}
	return &lr, nil
}

// securityToken follows the login location with the client signature and
// picks the serviceToken cookie off the response.
func (a *Account) securityToken(ctx context.Context, location, nonce, ssecurity string) (string, error) {
	sum := sha1.Sum([]byte("nonce=" + nonce + "&" + ssecurity))
	sign := base64.StdEncoding.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location+"&clientSign="+url.QueryEscape(sign), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	client := *a.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer res.Body.Close()

	for _, c := range res.Cookies() {
		if c.Name == "serviceToken" && c.Value != "" {
			return c.Value, nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return "", fmt.Errorf("%w: no serviceToken in response (status %d): %s", domain.ErrAuth, res.StatusCode, body)
}

// errUnauthorized marks responses that call for a fresh login.
var errUnauthorized = errors.New("unauthorized")

// Request sends a signed API request, logging in first when no service
// token is cached. A 401 or an auth complaint triggers one re-login and
// retry. form nil means GET.
func (a *Account) Request(ctx context.Context, rawURL string, form url.Values, header http.Header) (json.RawMessage, error) {
	body, err := a.request(ctx, rawURL, form, header)
	if errors.Is(err, errUnauthorized) {
		a.log.Warn("service token rejected, logging in again")
		if err := a.relogin(ctx); err != nil {
			return nil, err
		}
		body, err = a.request(ctx, rawURL, form, header)
	}
	if errors.Is(err, errUnauthorized) {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}
	return body, err
}

func (a *Account) relogin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Invalidate(); err != nil {
		a.log.Warn("invalidating token: %v", err)
	}
	return a.login(ctx)
}

func (a *Account) ensureToken(ctx context.Context) (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok := a.store.Load()
	if tok.ServiceToken() != "" {
		return tok, nil
	}
	if err := a.login(ctx); err != nil {
		return Token{}, err
	}
	return a.store.Load(), nil
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Account) request(ctx context.Context, rawURL string, form url.Values, header http.Header) (json.RawMessage, error) {
	tok, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	method, body := http.MethodGet, io.Reader(nil)
	if form != nil {
		method, body = http.MethodPost, strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: "userId", Value: tok.UserID})
	req.AddCookie(&http.Cookie{Name: "serviceToken", Value: tok.ServiceToken()})

	res, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	if res.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrTransport, res.StatusCode, truncate(raw))
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", domain.ErrTransport, err)
	}
	if ar.Code != 0 {
		if strings.Contains(strings.ToLower(ar.Message), "auth") {
			return nil, errUnauthorized
		}
		return nil, fmt.Errorf("%w: code %d: %s", domain.ErrTransport, ar.Code, ar.Message)
	}
	return raw, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
