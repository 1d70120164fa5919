// Package tiktok talks to the TikTok Open API: OAuth, creator info and the
// Content Posting API (direct post, inbox upload, status fetch).
package tiktok

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIBaseURL = "https://open.tiktokapis.com"
	DefaultAuthURL    = "https://www.tiktok.com/v2/auth/authorize/"

	pathToken       = "/v2/oauth/token/"
	pathUserInfo    = "/v2/user/info/"
	pathCreatorInfo = "/v2/post/publish/creator_info/query/"
	pathDirectInit  = "/v2/post/publish/video/init/"
	pathInboxInit   = "/v2/post/publish/inbox/video/init/"
	pathStatusFetch = "/v2/post/publish/status/fetch/"
)

type Options struct {
	ClientKey    string
	ClientSecret string
	RedirectURL  string
	APIBaseURL   string
	AuthURL      string
	// DefaultMode is ModeDirect or ModeInbox.
	DefaultMode  string
	PollAttempts int
	PollInterval time.Duration
	RPS          float64
	Burst        int
	Timeout      time.Duration
	Logger       *log.Entry
}

type Client struct {
	http         *resty.Client
	limiter      *rate.Limiter
	oauth        *oauth2.Config
	clientKey    string
	clientSecret string
	defaultMode  string
	pollAttempts int
	pollInterval time.Duration
	log          *log.Entry
}

func New(opts Options) *Client {
	base := strings.TrimRight(opts.APIBaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	authURL := opts.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	mode := opts.DefaultMode
	if mode != ModeInbox {
		mode = ModeDirect
	}

	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		limiter: limiter,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientKey,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  base + pathToken,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientKey:    opts.ClientKey,
		clientSecret: opts.ClientSecret,
		defaultMode:  mode,
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
		log:          logger.OrDiscard(opts.Logger),
	}
}

// DefaultMode is the post mode used when a request does not choose one.
func (c *Client) DefaultMode() string { return c.defaultMode }

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		LogID   string `json:"log_id"`
	} `json:"error"`
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// call sends an authenticated JSON request and decodes the `data` member into out.
func (c *Client) call(ctx context.Context, method, path, accessToken string, query map[string]string, body, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetQueryParams(query)
	if body != nil {
		req.SetHeader("Content-Type", "application/json; charset=UTF-8").SetBody(body)
	}
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	c.log.WithFields(log.Fields{
		"path":       path,
		"status":     resp.StatusCode(),
		"durationMs": time.Since(start).Milliseconds(),
	}).Debug("tiktok api call")

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode(), Code: CodeInvalidResponse, Message: Truncate(resp.String(), 300)}
	}
	code := env.Error.Code
	if resp.IsError() || (code != "" && code != CodeOK) {
		if code == "" || code == CodeOK {
			code = "http_" + strconv.Itoa(resp.StatusCode())
		}
		return &APIError{HTTPStatus: resp.StatusCode(), Code: code, Message: env.Error.Message, LogID: env.Error.LogID}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{HTTPStatus: resp.StatusCode(), Code: CodeInvalidResponse, Message: err.Error()}
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client { return c.http.GetClient() }

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
