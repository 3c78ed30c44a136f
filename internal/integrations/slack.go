package integrations

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/autoflow/internal/steps"
)

const slackAPI = "https://slack.com/api/chat.postMessage"

// SlackConfig selects between an incoming webhook and a bot token. When both
// are set the bot token wins since it can address any channel.
type SlackConfig struct {
	WebhookURL string `json:"webhookUrl"`
	BotToken   string `json:"botToken"`
	// APIURL overrides the chat.postMessage endpoint.
	APIURL string `json:"apiUrl"`
}

type SlackClient struct {
	http *resty.Client
	cfg  SlackConfig
}

var _ steps.ChatMessenger = (*SlackClient)(nil)

// NewSlackClient returns nil when neither credential is set.
func NewSlackClient(http *RestyClient, cfg SlackConfig) *SlackClient {
	if cfg.WebhookURL == "" && cfg.BotToken == "" {
		return nil
	}
	if cfg.APIURL == "" {
		cfg.APIURL = slackAPI
	}
	return &SlackClient{http: http.Resty(), cfg: cfg}
}

type slackReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *SlackClient) Send(ctx context.Context, channel, message string) error {
	body := map[string]any{"channel": channel, "text": message}

	if c.cfg.BotToken == "" {
		resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(c.cfg.WebhookURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	}

	var reply slackReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.BotToken).
		SetBody(body).
		SetResult(&reply).
		Post(c.cfg.APIURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("slack api: status %d", resp.StatusCode())
	}
	if !reply.OK {
		return fmt.Errorf("slack api: %s", reply.Error)
	}
	return nil
}
