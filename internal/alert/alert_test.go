package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = Alert{
	Kind:    KindVerificationMismatch,
	FCUID:   "fc-0123456789ab-0123456789ab-deadbeef",
	Summary: "fragment missing from ledger_b",
	Fields:  map[string]string{"ledger": "ledger_b", "reason": "memo mismatch"},
	At:      time.Unix(1700000000, 0),
}

func TestSlackWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{WebhookURL: srv.URL, Channel: "#audit"})
	require.NoError(t, err)
	require.NoError(t, s.Alert(context.Background(), sample))

	assert.Equal(t, "#audit", got.Channel)
	assert.Contains(t, got.Text, sample.FCUID)
	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "verification_mismatch", att.Title)
	require.Len(t, att.Fields, 3)
	assert.Equal(t, "ledger", att.Fields[1].Title)
	assert.Equal(t, "reason", att.Fields[2].Title)
}

func TestSlackWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{WebhookURL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, s.Alert(context.Background(), sample))
}

type fakePoster struct {
	channel string
	calls   int
	err     error
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	f.calls++
	return channelID, "1700000000.000100", f.err
}

func TestSlackBotToken(t *testing.T) {
	_, err := NewSlack(SlackConfig{BotToken: "xoxb-test"})
	require.Error(t, err, "bot token without channel")
	_, err = NewSlack(SlackConfig{})
	require.Error(t, err)

	s, err := NewSlack(SlackConfig{BotToken: "xoxb-test", Channel: "C123"})
	require.NoError(t, err)
	fake := &fakePoster{}
	s.bot = fake
	require.NoError(t, s.Alert(context.Background(), sample))
	assert.Equal(t, "C123", fake.channel)

	fake.err = errors.New("channel_not_found")
	err = s.Alert(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C123")
}

func TestLogAlerter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	require.NoError(t, LogAlerter{Logger: logger}.Alert(context.Background(), sample))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, sample.Summary, entry.Message)
	assert.Equal(t, sample.FCUID, entry.Data["fcuid"])
	assert.Equal(t, "ledger_b", entry.Data["ledger"])
}

type failing struct{ err error }

func (f failing) Alert(context.Context, Alert) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e1 := errors.New("webhook down")
	e2 := errors.New("bot down")
	m := Multi{LogAlerter{Logger: logger}, failing{e1}, nil, failing{e2}}

	err := m.Alert(context.Background(), sample)
	require.ErrorIs(t, err, e1)
	require.ErrorIs(t, err, e2)
	assert.Len(t, hook.AllEntries(), 1, "every alerter is still tried")

	assert.NoError(t, Multi{Nop{}}.Alert(context.Background(), sample))
}
