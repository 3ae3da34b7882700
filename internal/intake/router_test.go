package intake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vidnote/internal/session"
)

type notifier struct {
	mu      sync.Mutex
	replies map[string][]string
}

func (n *notifier) Notify(_ context.Context, conv, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.replies == nil {
		n.replies = map[string][]string{}
	}
	n.replies[conv] = append(n.replies[conv], text)
	return nil
}

func (n *notifier) last(conv string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.replies[conv]
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1]
}

type jobs struct {
	mu   sync.Mutex
	list []session.Job
}

func (j *jobs) Dispatch(job session.Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.list = append(j.list, job)
}

type fixture struct {
	router   *Router
	clock    *session.ManualClock
	jobs     *jobs
	notifier *notifier
	n        int
}

func newFixture() *fixture {
	f := &fixture{
		clock:    session.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		jobs:     &jobs{},
		notifier: &notifier{},
	}
	mgr := session.NewManager(f.jobs, session.WithClock(f.clock))
	f.router = NewRouter(mgr, f.notifier, WithWindow(mgr.Window()))
	return f
}

func (f *fixture) send(t *testing.T, conv, text string) Action {
	t.Helper()
	f.n++
	a, err := f.router.Handle(context.Background(), Message{
		ID: fmt.Sprintf("m%d", f.n), ConversationID: conv, Text: text, ReceivedAt: f.clock.Now(),
	})
	require.NoError(t, err)
	return a
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		kind Kind
		link string
	}{
		{"7.43 复制打开抖音，看看 https://v.douyin.com/iRNBho6u 好视频", KindLink, "https://v.douyin.com/iRNBho6u/"},
		{"https://v.douyin.com/abc_-1/", KindLink, "https://v.douyin.com/abc_-1/"},
		{"look https://www.douyin.com/video/7312345678901234567?x=1", KindLink, "https://www.douyin.com/video/7312345678901234567"},
		{"https://www.iesdouyin.com/share/video/123/", KindLink, "https://www.iesdouyin.com/share/video/123"},
		{"see https://example.com/v/1 please", KindLink, "https://example.com/v/1"},
		{"开始", KindStart, ""},
		{"  OK ", KindStart, ""},
		{"Start", KindStart, ""},
		{"好", KindStart, ""},
		{"取消", KindCancel, ""},
		{"Cancel", KindCancel, ""},
		{"start with the pricing part", KindInstruction, ""},
		{"summarize as a table", KindInstruction, ""},
	}
	for _, tc := range cases {
		kind, link := Classify(tc.text)
		assert.Equal(t, tc.kind, kind, tc.text)
		assert.Equal(t, tc.link, link, tc.text)
	}
}

func TestHandle_LinkOpensSessionAndHints(t *testing.T) {
	f := newFixture()

	assert.Equal(t, ActionOpened, f.send(t, "c1", "https://v.douyin.com/abc/"))
	assert.Contains(t, f.notifier.last("c1"), "2m0s")
	assert.Empty(t, f.jobs.list)

	f.clock.Advance(session.DefaultWindow)
	require.Len(t, f.jobs.list, 1)
	assert.Equal(t, "https://v.douyin.com/abc/", f.jobs.list[0].Link)
}

func TestHandle_SecondLinkConflicts(t *testing.T) {
	f := newFixture()

	f.send(t, "c1", "https://v.douyin.com/one/")
	assert.Equal(t, ActionConflict, f.send(t, "c1", "https://v.douyin.com/two/"))
	assert.Equal(t, replyConflict, f.notifier.last("c1"))
}

func TestHandle_InstructionStartsWithText(t *testing.T) {
	f := newFixture()

	f.send(t, "c1", "https://v.douyin.com/one/")
	assert.Equal(t, ActionInstruction, f.send(t, "c1", "summarize as a table"))
	require.Len(t, f.jobs.list, 1)
	assert.Equal(t, []string{"summarize as a table"}, f.jobs.list[0].Instructions)
}

func TestHandle_StartAndCancel(t *testing.T) {
	f := newFixture()

	f.send(t, "c1", "https://v.douyin.com/one/")
	assert.Equal(t, ActionStarted, f.send(t, "c1", "开始"))
	require.Len(t, f.jobs.list, 1)
	assert.Empty(t, f.jobs.list[0].Instructions)

	f.send(t, "c2", "https://v.douyin.com/two/")
	assert.Equal(t, ActionCancelled, f.send(t, "c2", "取消"))
	assert.Equal(t, replyCancelled, f.notifier.last("c2"))
	f.clock.Advance(session.DefaultWindow)
	assert.Len(t, f.jobs.list, 1)
}

func TestHandle_NoSessionGetsHelp(t *testing.T) {
	f := newFixture()

	assert.Equal(t, ActionNoSession, f.send(t, "c1", "hello"))
	assert.Equal(t, replyHelp, f.notifier.last("c1"))
	assert.Equal(t, ActionNoSession, f.send(t, "c1", "开始"))
	assert.Equal(t, ActionNoSession, f.send(t, "c1", "取消"))
}

func TestHandle_Dedup(t *testing.T) {
	f := newFixture()
	msg := Message{ID: "same", ConversationID: "c1", Text: "https://v.douyin.com/one/"}

	a, err := f.router.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, a)

	a, err = f.router.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, a)
}

func TestHandle_DedupExpires(t *testing.T) {
	f := newFixture()
	f.router = NewRouter(session.NewManager(f.jobs), f.notifier, WithDedupTTL(20*time.Millisecond))
	msg := Message{ID: "same", ConversationID: "c1", Text: "hello"}

	a, _ := f.router.Handle(context.Background(), msg)
	assert.Equal(t, ActionNoSession, a)
	time.Sleep(40 * time.Millisecond)
	a, _ = f.router.Handle(context.Background(), msg)
	assert.Equal(t, ActionNoSession, a)
}

func TestHandle_InvalidMessage(t *testing.T) {
	f := newFixture()

	for _, msg := range []Message{
		{ConversationID: "c1", Text: "x"},
		{ID: "m1", Text: "x"},
		{ID: "m1", ConversationID: "c1", Text: "   "},
	} {
		_, err := f.router.Handle(context.Background(), msg)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}
}
