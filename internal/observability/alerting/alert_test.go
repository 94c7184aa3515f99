package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return ChannelDingTalk }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("down")
}

type captureSender struct {
	subject string
	content string
	to      []string
}

func (c *captureSender) Send(_ context.Context, subject, content string, to []string) error {
	c.subject, c.content, c.to = subject, content, to
	return nil
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	rec := NewRecorder(0)
	fanout := NewFanout(rec, failingNotifier{}, nil)
	err := fanout.Notify(context.Background(), Event{Kind: KindDiscrepancy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dingtalk")
	assert.Len(t, rec.Events(), 1)
	assert.Equal(t, []Channel{ChannelDingTalk, "recorder"}, fanout.Channels())
}

func TestEmitFillsIdentity(t *testing.T) {
	rec := NewRecorder(2)
	for i := 0; i < 3; i++ {
		Emit(context.Background(), rec, Event{Kind: KindApprovalRequested, RequestID: "req-1"})
	}
	events := rec.Events()
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())
	assert.Equal(t, xerrors.SeverityWarning, events[0].Severity)
	assert.Len(t, rec.OfKind(KindApprovalRequested), 2)
}

func TestEmailNotifierFormatsEvent(t *testing.T) {
	sender := &captureSender{}
	n := &EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[treasury]"}
	require.NoError(t, n.Notify(context.Background(), Event{
		Kind:      KindDiscrepancy,
		Severity:  xerrors.SeverityCritical,
		AccountID: "ops",
		Reason:    "差异 15000",
		Metadata:  map[string]string{"discrepancy": "15000"},
	}))
	assert.Equal(t, "[treasury][critical] discrepancy_alert ops", sender.subject)
	assert.Contains(t, sender.content, "- discrepancy: 15000")
}

func TestSlackNotifierPostsWebhook(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &SlackNotifier{Sender: &WebhookSender{URL: srv.URL}, ChannelID: "#treasury"}
	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindEmergencyActivated, Severity: xerrors.SeverityCritical, Reason: "health check failed"}))
	assert.Equal(t, "#treasury", payload["channel"])
	assert.Contains(t, payload["text"], "emergency_activated")
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := (&WebhookSender{URL: srv.URL}).Post(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
