package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	"github.com/go-resty/resty/v2"
)

// maxErrorText caps the endpoint error carried into lastError.
const maxErrorText = 500

// NowClient calls this service's own POST /publish/now endpoint.
type NowClient struct {
	http *resty.Client
}

func NewNowClient(origin, internalSecret string, timeout time.Duration) *NowClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(origin, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if internalSecret != "" {
		c.SetHeader(middleware.InternalSecretHeader, internalSecret)
	}
	return &NowClient{http: c}
}

// PublishNow returns an error for transport failures and for any non-2xx response;
// the error text carries the endpoint's `error` message when there is one.
func (c *NowClient) PublishNow(ctx context.Context, req Request) (*Result, error) {
	var ok Result
	var failed struct {
		Error      string `json:"error"`
		Suggestion string `json:"suggestion"`
		Unaudited  bool   `json:"unaudited"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ok).
		SetError(&failed).
		Post("/publish/now")
	if err != nil {
		return nil, fmt.Errorf("publish/now request: %w", err)
	}
	if !resp.IsSuccess() {
		msg := strings.TrimSpace(failed.Error)
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, fmt.Errorf("publish/now status %d: %s", resp.StatusCode(), tiktok.Truncate(msg, maxErrorText))
	}
	return &ok, nil
}
