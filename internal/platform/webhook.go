package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// webhookPublisher delivers posts as a JSON POST to an arbitrary endpoint.
// It is the lowest common denominator: anything that can accept HTTP can be
// a "platform".
type webhookPublisher struct {
	url   string
	token string
	log   logx.Logger
	http  *http.Client
}

func newWebhook(cfg Config, log logx.Logger) (publish.Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	return &webhookPublisher{
		url:   cfg.URL,
		token: cfg.token(),
		log:   log,
		// The orchestrator applies the real per-publish timeout via ctx;
		// this is only a hard upper bound against leaked requests.
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

type webhookRequest struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

type webhookResponse struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

func (w *webhookPublisher) Publish(ctx context.Context, content model.PostContent) publish.Result {
	body, err := json.Marshal(webhookRequest{
		Text:      content.Text,
		MediaURLs: content.MediaURLs,
		Hashtags:  content.Hashtags,
		Mentions:  content.Mentions,
	})
	if err != nil {
		return publish.Result{Err: "encode request: " + err.Error(), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return publish.Result{Err: "build request: " + err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		// Network errors and context timeouts are worth another attempt.
		return publish.Result{Err: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return publish.Result{
			Err:       fmt.Sprintf("unexpected status %d body=%q", resp.StatusCode, truncateBody(respBody)),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	var wr webhookResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return publish.Result{Err: fmt.Sprintf("decode response: %v body=%q", err, truncateBody(respBody)), Retryable: true}
	}
	if wr.ID == "" {
		return publish.Result{Err: "missing id in response", Retryable: true}
	}
	return publish.Result{Success: true, ExternalPostID: wr.ID, URL: wr.URL}
}

// retryableStatus classifies HTTP failures: server-side and throttling
// errors may clear up, client errors (rejected content, bad auth) will not.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:297] + "..."
	}
	return s
}
