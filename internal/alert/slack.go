package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig selects how alerts reach Slack. A webhook URL wins over a bot
// token; a bot token needs a channel.
type SlackConfig struct {
	WebhookURL string
	BotToken   string
	Channel    string
}

// poster is the subset of slack.Client used for bot-token delivery.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAlerter posts alerts to a channel.
type SlackAlerter struct {
	cfg SlackConfig
	bot poster
}

// NewSlack returns a SlackAlerter, or an error when cfg cannot deliver.
func NewSlack(cfg SlackConfig) (*SlackAlerter, error) {
	s := &SlackAlerter{cfg: cfg}
	switch {
	case cfg.WebhookURL != "":
	case cfg.BotToken != "":
		if cfg.Channel == "" {
			return nil, fmt.Errorf("slack alerts with a bot token need a channel")
		}
		s.bot = slack.New(cfg.BotToken)
	default:
		return nil, fmt.Errorf("slack alerts need a webhook url or bot token")
	}
	return s, nil
}

func color(k Kind) string {
	if k == KindLedgerDegraded {
		return "warning"
	}
	return "danger"
}

func attachment(a Alert) slack.Attachment {
	fields := []slack.AttachmentField{{Title: "FCUID", Value: a.FCUID, Short: false}}
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, slack.AttachmentField{Title: k, Value: a.Fields[k], Short: true})
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	return slack.Attachment{
		Color:  color(a.Kind),
		Title:  string(a.Kind),
		Text:   a.Summary,
		Fields: fields,
		Ts:     json.Number(strconv.FormatInt(at.Unix(), 10)),
	}
}

// Alert implements Alerter.
func (s *SlackAlerter) Alert(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: FCUID %s: %s", a.Kind, a.FCUID)
	att := attachment(a)
	if s.cfg.WebhookURL != "" {
		msg := &slack.WebhookMessage{
			Channel:     s.cfg.Channel,
			Text:        text,
			Attachments: []slack.Attachment{att},
		}
		if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
			return fmt.Errorf("slack webhook: %w", err)
		}
		return nil
	}
	if _, _, err := s.bot.PostMessageContext(ctx, s.cfg.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(att),
	); err != nil {
		return fmt.Errorf("slack post to %s: %w", s.cfg.Channel, err)
	}
	return nil
}
