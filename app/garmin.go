package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultDomain      = "garmin.com"
	DefaultTimeout     = 30 * time.Second
	DefaultConsumerURL = "https://thegarth.s3.amazonaws.com/oauth_consumer.json"

	embedPath         = "/sso/embed"
	signinPath        = "/sso/signin"
	preauthorizedPath = "/oauth-service/oauth/preauthorized"
	exchangePath      = "/oauth-service/oauth/exchange/user/2.0"
	weightPath        = "/weight-service/user-weight"
	weightPage        = "/modern/weight"

	userAgent = "com.garmin.android.apps.connectmobile"

	// OAuth1 tokens issued by the preauthorized endpoint last about a year.
	oauth1Lifetime = 365 * 24 * time.Hour

	// Garmin expects local and GMT timestamps without a zone, followed by a
	// literal ".00" fraction.
	weighInTimeLayout = "2006-01-02T15:04:05"
)

var (
	csrfPattern   = regexp.MustCompile(`name="_csrf"\s+value="(.+?)"`)
	titlePattern  = regexp.MustCompile(`<title>(.+?)</title>`)
	ticketPattern = regexp.MustCompile(`embed\?ticket=([^"]+)"`)
)

// WeightPageURL is the Garmin Connect page listing weigh-ins for domain.
func WeightPageURL(domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("https://connect.%s%s", domain, weightPage)
}

// ClientConfig holds what the Garmin client needs to authenticate.
type ClientConfig struct {
	Email    string
	Password string
	Domain   string
	Timeout  time.Duration

	// OAuth1 consumer of the Garmin Connect mobile app. Fetched from
	// ConsumerURL when either is empty.
	ConsumerKey    string
	ConsumerSecret string
	ConsumerURL    string

	// Base URL overrides, used to point the client at a fake server.
	SSOBaseURL string
	APIBaseURL string
}

// GarminClient signs in to Garmin Connect and uploads weigh-ins.
type GarminClient struct {
	config     ClientConfig
	httpClient *http.Client
	store      SessionStore
	session    *Session
	consumer   *oauth1.Config
	ssoBase    string
	apiBase    string
	now        func() time.Time
}

func NewGarminClient(config ClientConfig, store SessionStore) *GarminClient {
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.ConsumerURL == "" {
		config.ConsumerURL = DefaultConsumerURL
	}

	ssoBase := config.SSOBaseURL
	if ssoBase == "" {
		ssoBase = fmt.Sprintf("https://sso.%s", config.Domain)
	}
	apiBase := config.APIBaseURL
	if apiBase == "" {
		apiBase = fmt.Sprintf("https://connectapi.%s", config.Domain)
	}

	// the SSO pages only hand out a CSRF token to a client that kept the
	// cookies from the embed page
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &GarminClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Jar: jar},
		store:      store,
		ssoBase:    strings.TrimRight(ssoBase, "/"),
		apiBase:    strings.TrimRight(apiBase, "/"),
		now:        time.Now,
	}
}

// Login makes the client ready to call the API. A cached session is reused
// when it is still valid for the configured account, refreshed through its
// OAuth1 token when only the access token expired, and replaced by a fresh
// sign-in otherwise.
func (c *GarminClient) Login(ctx context.Context) error {
	c.session = nil
	now := c.now()

	cached, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
		slog.Debug("no cached session")
	case err != nil:
		slog.Warn("ignoring unreadable session", "err", err)
	case cached.Email != c.config.Email:
		slog.Info("cached session belongs to another account, signing in again")
	case cached.AccessValid(now):
		slog.Debug("reusing cached session", "expires_at", cached.ExpiresAt)
		c.session = cached
		return nil
	case cached.Refreshable(now):
		slog.Info("access token expired, refreshing session")
		refreshed, err := c.refresh(ctx, cached)
		if err == nil {
			c.setSession(ctx, refreshed)
			return nil
		}
		if KindOf(err) == KindConnection {
			return err
		}
		slog.Warn("session refresh failed, signing in again", "err", err)
	default:
		slog.Info("cached session expired, signing in again")
	}

	session, err := c.signIn(ctx, now)
	if err != nil {
		return err
	}

	c.setSession(ctx, session)
	slog.Info("signed in to garmin connect", "expires_at", session.ExpiresAt)
	return nil
}

// setSession activates s and caches it. A failure to cache is logged only;
// the session is still usable for this run.
func (c *GarminClient) setSession(ctx context.Context, s *Session) {
	c.session = s
	if err := c.store.Save(ctx, s); err != nil {
		slog.Warn("failed to cache session", "err", err)
	}
}

// signIn runs the full SSO flow: ticket, OAuth1 token, OAuth2 token.
func (c *GarminClient) signIn(ctx context.Context, now time.Time) (*Session, error) {
	if c.config.Email == "" || c.config.Password == "" {
		return nil, authError("sign in", errors.New("email and password are required"))
	}

	ticket, err := c.ssoTicket(ctx)
	if err != nil {
		return nil, err
	}

	credentials, err := c.preauthorize(ctx, ticket, now)
	if err != nil {
		return nil, err
	}

	token, err := c.exchange(ctx, credentials)
	if err != nil {
		return nil, err
	}

	session, err := newSession(c.config.Email, credentials, *token, now)
	if err != nil {
		return nil, authError("login", err)
	}
	return session, nil
}

// ssoTicket signs in on the embedded SSO widget and returns the service
// ticket from the success page.
func (c *GarminClient) ssoTicket(ctx context.Context) (string, error) {
	embedURL := c.ssoBase + embedPath

	embedParams := url.Values{}
	embedParams.Set("id", "gauth-widget")
	embedParams.Set("embedWidget", "true")
	embedParams.Set("gauthHost", c.ssoBase+"/sso")
	embedPageURL := embedURL + "?" + embedParams.Encode()

	signinParams := url.Values{}
	signinParams.Set("id", "gauth-widget")
	signinParams.Set("embedWidget", "true")
	signinParams.Set("gauthHost", embedURL)
	signinParams.Set("service", embedURL)
	signinParams.Set("source", embedURL)
	signinParams.Set("redirectAfterAccountLoginUrl", embedURL)
	signinParams.Set("redirectAfterAccountCreationUrl", embedURL)
	signinURL := c.ssoBase + signinPath + "?" + signinParams.Encode()

	if _, err := c.performRequestWithHeaders(ctx, c.httpClient, "GET", embedPageURL, nil, nil); err != nil {
		return "", err
	}

	page, err := c.performRequestWithHeaders(ctx, c.httpClient, "GET", signinURL, nil, map[string]string{"Referer": embedPageURL})
	if err != nil {
		return "", err
	}
	csrf := csrfPattern.FindSubmatch(page)
	if csrf == nil {
		return "", errors.New("sign in: sign-in page contained no CSRF token")
	}

	formData := map[string]string{
		"username": c.config.Email,
		"password": c.config.Password,
		"embed":    "true",
		"_csrf":    string(csrf[1]),
	}
	page, err = c.performRequestForm(ctx, c.httpClient, "POST", signinURL, formData, map[string]string{"Referer": signinURL})
	if err != nil {
		return "", err
	}

	var title string
	if match := titlePattern.FindSubmatch(page); match != nil {
		title = string(match[1])
	}
	switch {
	case strings.Contains(title, "MFA"):
		return "", authError("sign in", errors.New("multi-factor authentication is not supported"))
	case title != "Success":
		return "", authError("sign in", fmt.Errorf("unexpected page title %q, check email and password", title))
	}

	ticket := ticketPattern.FindSubmatch(page)
	if ticket == nil {
		return "", authError("sign in", errors.New("sign-in response contained no ticket"))
	}

	slog.Debug("received sign-in ticket")
	return string(ticket[1]), nil
}

// oauthConsumer returns the configured consumer, fetching it once when the
// key or secret is missing.
func (c *GarminClient) oauthConsumer(ctx context.Context) (*oauth1.Config, error) {
	if c.consumer != nil {
		return c.consumer, nil
	}

	key, secret := c.config.ConsumerKey, c.config.ConsumerSecret
	if key == "" || secret == "" {
		body, err := c.performRequestWithHeaders(ctx, c.httpClient, "GET", c.config.ConsumerURL, nil, nil)
		if err != nil {
			return nil, err
		}

		var consumer struct {
			ConsumerKey    string `json:"consumer_key"`
			ConsumerSecret string `json:"consumer_secret"`
		}
		if err := json.Unmarshal(body, &consumer); err != nil {
			return nil, fmt.Errorf("failed to decode oauth consumer: %w", err)
		}
		if consumer.ConsumerKey == "" || consumer.ConsumerSecret == "" {
			return nil, errors.New("oauth consumer response has no key or secret")
		}
		key, secret = consumer.ConsumerKey, consumer.ConsumerSecret
	}

	c.consumer = oauth1.NewConfig(key, secret)
	return c.consumer, nil
}

// signedClient returns an HTTP client that signs each request with the
// consumer and token, sharing the cookie jar and timeout of the plain client.
func (c *GarminClient) signedClient(ctx context.Context, consumer *oauth1.Config, token *oauth1.Token) *http.Client {
	ctx = context.WithValue(ctx, oauth1.HTTPClient, c.httpClient)
	signed := consumer.Client(ctx, token)
	signed.Timeout = c.httpClient.Timeout
	signed.Jar = c.httpClient.Jar
	return signed
}

// preauthorize trades the SSO ticket for an OAuth1 token.
func (c *GarminClient) preauthorize(ctx context.Context, ticket string, now time.Time) (oauth1Credentials, error) {
	consumer, err := c.oauthConsumer(ctx)
	if err != nil {
		return oauth1Credentials{}, err
	}

	params := url.Values{}
	params.Set("ticket", ticket)
	params.Set("login-url", c.ssoBase+embedPath)
	params.Set("accepts-mfa-tokens", "true")

	client := c.signedClient(ctx, consumer, oauth1.NewToken("", ""))
	body, err := c.performRequestWithHeaders(ctx, client, "GET", c.apiBase+preauthorizedPath+"?"+params.Encode(), nil, nil)
	if err != nil {
		return oauth1Credentials{}, err
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return oauth1Credentials{}, fmt.Errorf("failed to decode oauth1 token: %w", err)
	}
	if values.Get("oauth_token") == "" || values.Get("oauth_token_secret") == "" {
		return oauth1Credentials{}, authError("preauthorize", errors.New("response contained no oauth1 token"))
	}

	return oauth1Credentials{
		Token:     values.Get("oauth_token"),
		Secret:    values.Get("oauth_token_secret"),
		MFAToken:  values.Get("mfa_token"),
		ExpiresAt: now.Add(oauth1Lifetime),
	}, nil
}

// exchange trades an OAuth1 token for an OAuth2 access token. Refreshing a
// session is the same call with the cached OAuth1 token.
func (c *GarminClient) exchange(ctx context.Context, credentials oauth1Credentials) (*oauth2Token, error) {
	consumer, err := c.oauthConsumer(ctx)
	if err != nil {
		return nil, err
	}

	formData := map[string]string{}
	if credentials.MFAToken != "" {
		formData["mfa_token"] = credentials.MFAToken
	}

	client := c.signedClient(ctx, consumer, oauth1.NewToken(credentials.Token, credentials.Secret))
	body, err := c.performRequestForm(ctx, client, "POST", c.apiBase+exchangePath, formData, nil)
	if err != nil {
		return nil, err
	}

	var token oauth2Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &token, nil
}

func (c *GarminClient) refresh(ctx context.Context, s *Session) (*Session, error) {
	credentials := s.oauth1()
	token, err := c.exchange(ctx, credentials)
	if err != nil {
		return nil, err
	}

	refreshed, err := newSession(s.Email, credentials, *token, c.now())
	if err != nil {
		return nil, authError("refresh", err)
	}
	return refreshed, nil
}

type weighInRequest struct {
	DateTimestamp string  `json:"dateTimestamp"`
	GMTTimestamp  string  `json:"gmtTimestamp"`
	UnitKey       string  `json:"unitKey"`
	SourceType    string  `json:"sourceType"`
	Value         float64 `json:"value"`
}

// AddWeighIn uploads one weight measurement taken at the given time.
func (c *GarminClient) AddWeighIn(ctx context.Context, weight float64, unit string, at time.Time) error {
	if c.session == nil {
		return authError("add weigh-in", errors.New("not logged in"))
	}
	if err := ValidateUnit(unit); err != nil {
		return validationError("add weigh-in", err)
	}

	payload, err := json.Marshal(weighInRequest{
		DateTimestamp: weighInTimestamp(at.Local()),
		GMTTimestamp:  weighInTimestamp(at.UTC()),
		UnitKey:       unit,
		SourceType:    "MANUAL",
		Value:         weight,
	})
	if err != nil {
		return validationError("add weigh-in", err)
	}

	headers := map[string]string{
		"Authorization": fmt.Sprintf("%s %s", c.session.TokenType, c.session.AccessToken),
		"Content-Type":  "application/json",
	}
	if _, err := c.performRequestWithHeaders(ctx, c.httpClient, "POST", c.apiBase+weightPath, bytes.NewReader(payload), headers); err != nil {
		return err
	}

	slog.Info("uploaded weigh-in", "value", weight, "unit", unit)
	return nil
}

func weighInTimestamp(t time.Time) string {
	return t.Format(weighInTimeLayout) + ".00"
}

func (c *GarminClient) performRequestForm(ctx context.Context, client *http.Client, method string, requestURL string, formData map[string]string, headers map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range formData {
		values.Set(k, v)
	}

	allHeaders := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for k, v := range headers {
		allHeaders[k] = v
	}
	return c.performRequestWithHeaders(ctx, client, method, requestURL, strings.NewReader(values.Encode()), allHeaders)
}

// performRequestWithHeaders sends the request through client and returns the
// body of a 2xx response. Credentials travel only in the given headers or in
// the signature added by client.
func (c *GarminClient) performRequestWithHeaders(ctx context.Context, client *http.Client, method string, url string, body io.Reader, headers map[string]string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	request.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		request.Header.Set(k, v)
	}

	op := fmt.Sprintf("%s %s", method, request.URL.Path)
	response, err := client.Do(request)
	if err != nil {
		return nil, connectionError(op, err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, connectionError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, statusError(op, response.StatusCode, data)
	}

	return data, nil
}

func statusError(op string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}

	err := fmt.Errorf("server returned status %d", status)
	if snippet != "" {
		err = fmt.Errorf("server returned status %d: %s", status, snippet)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return authError(op, err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return validationError(op, err)
	default:
		return connectionError(op, err)
	}
}
