package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

type captureChannel struct {
	platform string
	err      error
	mu       sync.Mutex
	sent     []*Notification
}

func (c *captureChannel) Platform() string { return c.platform }

func (c *captureChannel) Send(_ context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

var _ orchestrator.Notifier = (*Broadcaster)(nil)

func record(status orchestrator.ExecutionStatus) *orchestrator.ExecutionRecord {
	res := &orchestrator.ExecutionResult{
		Metrics: orchestrator.ExecutionMetrics{StepsCompleted: 1, StepsTotal: 2, DurationMS: 1500, TokensUsed: 42, Cost: 0.0021},
	}
	exec := &orchestrator.WorkflowExecution{ID: "exec-9", WorkflowID: "wf-digest", Status: status}
	if status == orchestrator.ExecutionFailed {
		exec.FailedStep = "write"
		res.Errors = []orchestrator.TaskError{{Code: orchestrator.CodeExecutionTimeout, Message: "deadline exceeded"}}
	}
	return &orchestrator.ExecutionRecord{
		Workflow:  &orchestrator.Workflow{ID: "wf-digest", Name: "Daily digest"},
		Execution: exec,
		Result:    res,
	}
}

func TestWorkflowNotification(t *testing.T) {
	ok := WorkflowNotification(record(orchestrator.ExecutionCompleted))
	if ok.Kind != KindWorkflowCompleted || ok.Title != "Workflow Daily digest completed" {
		t.Errorf("notification = %+v", ok)
	}
	if ok.Fields[0].Value != "1/2" || ok.Fields[1].Value != "1.5s" {
		t.Errorf("fields = %+v", ok.Fields)
	}

	failed := WorkflowNotification(record(orchestrator.ExecutionFailed))
	if !failed.Failed() || !strings.Contains(failed.Content, "EXECUTION_TIMEOUT: deadline exceeded") {
		t.Errorf("notification = %+v", failed)
	}
	if !strings.Contains(failed.Content, "`write`") {
		t.Errorf("content = %s", failed.Content)
	}
}

func TestBroadcasterFanOutAndHistory(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	slackCh := &captureChannel{platform: "slack"}
	discordCh := &captureChannel{platform: "discord", err: errors.New("rate limited")}
	b.Register(slackCh)
	b.Register(discordCh)

	err := b.NotifyWorkflow(context.Background(), record(orchestrator.ExecutionCompleted))
	if err == nil || !strings.Contains(err.Error(), "discord: rate limited") {
		t.Errorf("err = %v", err)
	}
	if len(slackCh.sent) != 1 {
		t.Errorf("slack got %d notifications", len(slackCh.sent))
	}

	h := b.History(0)
	if len(h) != 1 || len(h[0].Targets) != 1 || h[0].Failed[0] != "discord" {
		t.Errorf("history = %+v", h)
	}
	if got := b.Platforms(); len(got) != 2 || got[1] != "discord" {
		t.Errorf("platforms = %v", got)
	}
}

func TestBroadcasterPlatformFilter(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	slackCh := &captureChannel{platform: "slack"}
	discordCh := &captureChannel{platform: "discord"}
	b.Register(slackCh)
	b.Register(discordCh)

	n := &Notification{Kind: KindAnnouncement, Title: "maintenance", Platforms: []string{"Discord"}}
	if err := b.Send(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if len(slackCh.sent) != 0 || len(discordCh.sent) != 1 {
		t.Errorf("slack=%d discord=%d", len(slackCh.sent), len(discordCh.sent))
	}
	if err := b.Send(context.Background(), &Notification{Title: "no kind"}); err == nil {
		t.Error("expected error for missing kind")
	}
}

func TestBroadcasterFailuresOnly(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	ch := &captureChannel{platform: "slack"}
	b.Register(ch)
	b.SetFailuresOnly(true)

	_ = b.NotifyWorkflow(context.Background(), record(orchestrator.ExecutionCompleted))
	_ = b.NotifyWorkflow(context.Background(), record(orchestrator.ExecutionFailed))
	if len(ch.sent) != 1 || ch.sent[0].Kind != KindWorkflowFailed {
		t.Errorf("sent = %+v", ch.sent)
	}
}

func TestBroadcasterHistoryLimit(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	b.historyLimit = 3
	for i := 0; i < 5; i++ {
		_ = b.Send(context.Background(), &Notification{Kind: KindAnnouncement, Title: string(rune('a' + i))})
	}
	h := b.History(0)
	if len(h) != 3 || h[0].Notification.Title != "c" {
		t.Errorf("history = %+v", h)
	}
	if last := b.History(1); len(last) != 1 || last[0].Notification.Title != "e" {
		t.Errorf("last = %+v", last)
	}
}

func TestSlackChannelPostsAttachment(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "channel": "C123", "ts": "1700000000.000100"}`))
	}))
	defer srv.Close()

	ch := NewSlackChannel("xoxb-test", "C123", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	if err := ch.Send(context.Background(), WorkflowNotification(record(orchestrator.ExecutionFailed))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if form.Get("channel") != "C123" {
		t.Errorf("channel = %q", form.Get("channel"))
	}
	var atts []slack.Attachment
	if err := json.Unmarshal([]byte(form.Get("attachments")), &atts); err != nil {
		t.Fatalf("attachments: %v", err)
	}
	if len(atts) != 1 || atts[0].Color != colorDanger || len(atts[0].Fields) != 4 {
		t.Errorf("attachments = %+v", atts)
	}
}

func TestDiscordEmbed(t *testing.T) {
	e := discordEmbed(WorkflowNotification(record(orchestrator.ExecutionCompleted)))
	if e.Color != 0x2eb67d || e.Footer == nil || e.Footer.Text != "exec-9" || len(e.Fields) != 4 {
		t.Errorf("embed = %+v", e)
	}
}
