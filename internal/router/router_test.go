package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/broadcast"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/flow"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/ratelimit"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/registry"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/storage"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/tgui"
)

const (
	testOwner int64 = 1000
	testAdmin int64 = 2000
)

type memStore struct {
	mu       sync.Mutex
	admins   []int64
	channels map[int64][]storage.Channel
	audit    []storage.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{channels: map[int64][]storage.Channel{}}
}

func (s *memStore) LoadAdmins(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.admins...), nil
}

func (s *memStore) SaveAdmins(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins = append([]int64(nil), ids...)
	return nil
}

func (s *memStore) LoadChannels(_ context.Context, owner int64) ([]storage.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Channel(nil), s.channels[owner]...), nil
}

func (s *memStore) SaveChannels(_ context.Context, owner int64, chs []storage.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[owner] = append([]storage.Channel(nil), chs...)
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) PruneAudit(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *memStore) Close() error                                         { return nil }

type sentText struct {
	chatID int64
	text   string
	opt    *transport.SendOptions
}

// fakeAdapter records outbound traffic and serves canned chat lookups.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentText
	edited  []sentText
	answers []string

	chats map[string]transport.ChatInfo
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{chats: map[string]transport.ChatInfo{}}
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentText{chatID: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) SendPhoto(_ context.Context, to transport.ChatTarget, _, caption string) (transport.MessageRef, error) {
	return a.SendText(context.Background(), to, caption, nil)
}

func (a *fakeAdapter) SendVideo(_ context.Context, to transport.ChatTarget, _, caption string) (transport.MessageRef, error) {
	return a.SendText(context.Background(), to, caption, nil)
}

func (a *fakeAdapter) SendDocument(_ context.Context, to transport.ChatTarget, _, caption string) (transport.MessageRef, error) {
	return a.SendText(context.Background(), to, caption, nil)
}

func (a *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edited = append(a.edited, sentText{chatID: ref.ChatID, text: text, opt: opt})
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *fakeAdapter) ResolveChat(_ context.Context, ref string) (transport.ChatInfo, error) {
	info, ok := a.chats[ref]
	if !ok {
		return transport.ChatInfo{}, errors.New("chat not found: " + ref)
	}
	return info, nil
}

func (a *fakeAdapter) CanPost(context.Context, int64) (bool, error) { return true, nil }

func (a *fakeAdapter) lastSent(t *testing.T) sentText {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return a.sent[len(a.sent)-1]
}

type fakeEngine struct{}

func (fakeEngine) Deliver(_ context.Context, batch []broadcast.Message, dests []broadcast.Destination) broadcast.Report {
	rep := broadcast.Report{Messages: len(batch), StartedAt: time.Now()}
	for _, d := range dests {
		rep.Destinations = append(rep.Destinations, broadcast.DestinationResult{Destination: d, Sent: len(batch)})
	}
	return rep
}

type fixture struct {
	router  *Router
	adapter *fakeAdapter
	machine *flow.Machine
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	store := newMemStore()
	log := logx.Nop()
	principals := registry.NewPrincipals(testOwner, store, log)
	if err := principals.Load(context.Background()); err != nil {
		t.Fatalf("load principals: %v", err)
	}
	if err := principals.AddAdmin(context.Background(), testOwner, testAdmin); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	channels := registry.NewChannels(5, store, log)
	adapter := newFakeAdapter()
	adapter.chats["@news"] = transport.ChatInfo{ID: -101, Name: "@news", Title: "News", Type: "channel", Eligible: true}
	machine := flow.NewMachine(principals, channels, adapter, fakeEngine{}, store, log)
	r := New(adapter, machine, principals, limiter, time.Minute, log)
	return &fixture{router: r, adapter: adapter, machine: machine}
}

// runOne synchronously executes the single job the router enqueued.
func (f *fixture) runOne(t *testing.T) {
	t.Helper()
	select {
	case job := <-f.router.jobs:
		job()
	default:
		t.Fatal("no job enqueued")
	}
}

func (f *fixture) noJobs(t *testing.T) {
	t.Helper()
	select {
	case <-f.router.jobs:
		t.Fatal("unexpected job enqueued")
	default:
	}
}

func textUpdate(from int64, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:  from,
			FromID:  from,
			Content: transport.ContentText,
			Text:    text,
		},
	}
}

func callbackUpdate(from int64, data string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:        "cb1",
			FromID:    from,
			ChatID:    from,
			MessageID: 7,
			Data:      data,
		},
	}
}

func TestUnauthorizedMessageDenied(t *testing.T) {
	f := newFixture(t, nil)

	f.router.routeUpdate(context.Background(), textUpdate(555, "/start"))

	f.noJobs(t)
	got := f.adapter.lastSent(t)
	if got.text != deniedText {
		t.Fatalf("text = %q, want %q", got.text, deniedText)
	}
	if got.chatID != 555 {
		t.Fatalf("chat id = %d, want 555", got.chatID)
	}
}

func TestUnauthorizedCallbackDenied(t *testing.T) {
	f := newFixture(t, nil)

	f.router.routeUpdate(context.Background(), callbackUpdate(555, tgui.Data(cbScope, "done", "")))

	f.noJobs(t)
	if len(f.adapter.answers) != 1 || f.adapter.answers[0] != deniedText {
		t.Fatalf("answers = %v, want [%q]", f.adapter.answers, deniedText)
	}
}

func TestRateLimitedMessageRejected(t *testing.T) {
	f := newFixture(t, ratelimit.New(1, time.Minute))

	f.router.routeUpdate(context.Background(), textUpdate(testOwner, "/start"))
	f.runOne(t)
	f.router.routeUpdate(context.Background(), textUpdate(testOwner, "/start"))

	f.noJobs(t)
	got := f.adapter.lastSent(t)
	if !strings.Contains(got.text, "Too many requests") {
		t.Fatalf("text = %q, want rate limit notice", got.text)
	}
}

func TestDecodeMessageEvents(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name string
		msg  transport.Message
		want string
	}{
		{"start", transport.Message{Content: transport.ContentText, Text: "/start"}, "cmd:start"},
		{"start with bot suffix", transport.Message{Content: transport.ContentText, Text: "/start@SomeBot now"}, "cmd:start"},
		{"cancel", transport.Message{Content: transport.ContentText, Text: "/cancel"}, "cmd:cancel"},
		{"unknown command", transport.Message{Content: transport.ContentText, Text: "/bogus"}, "cmd:unknown"},
		{"menu label", transport.Message{Content: transport.ContentText, Text: btnAddChannel}, "menu:add_channel"},
		{"new post label", transport.Message{Content: transport.ContentText, Text: btnNewPost}, "menu:new_post"},
		{"free text", transport.Message{Content: transport.ContentText, Text: "@news"}, "text"},
		{"photo capture", transport.Message{Content: transport.ContentPhoto, FileID: "f1", Text: "caption"}, "capture:photo"},
		{"forwarded text capture", transport.Message{Content: transport.ContentText, Text: "hello", Forwarded: true}, "capture:text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, handle := f.router.decodeMessage(&tc.msg)
			if event != tc.want {
				t.Fatalf("event = %q, want %q", event, tc.want)
			}
			if handle == nil {
				t.Fatal("nil handler")
			}
		})
	}
}

func TestStartRendersMainMenu(t *testing.T) {
	f := newFixture(t, nil)

	f.router.routeUpdate(context.Background(), textUpdate(testOwner, "/start"))
	f.runOne(t)
	ownerSent := f.adapter.lastSent(t)

	f.router.routeUpdate(context.Background(), textUpdate(testAdmin, "/start"))
	f.runOne(t)
	adminSent := f.adapter.lastSent(t)

	ownerMk, ok := ownerSent.opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok {
		t.Fatalf("owner markup type = %T", ownerSent.opt.ReplyMarkupAdapter)
	}
	adminMk, ok := adminSent.opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok {
		t.Fatalf("admin markup type = %T", adminSent.opt.ReplyMarkupAdapter)
	}
	// The owner sees one extra keyboard row (admin management).
	if len(ownerMk.ReplyKeyboard) != len(adminMk.ReplyKeyboard)+1 {
		t.Fatalf("owner rows = %d, admin rows = %d", len(ownerMk.ReplyKeyboard), len(adminMk.ReplyKeyboard))
	}
}

func TestHTMLRepliesSetParseMode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.machine.Menu(ctx, testOwner, flow.ActionAddChannel); err != nil {
		t.Fatalf("menu: %v", err)
	}
	if _, err := f.machine.Text(ctx, testOwner, "@news"); err != nil {
		t.Fatalf("add channel: %v", err)
	}

	f.router.routeUpdate(ctx, textUpdate(testOwner, btnMyChannels))
	f.runOne(t)
	got := f.adapter.lastSent(t)
	if got.opt == nil || got.opt.ParseMode != transport.ParseModeHTML {
		t.Fatalf("channel list must use HTML parse mode, got %+v", got.opt)
	}
	if !strings.Contains(got.text, "<b>") {
		t.Fatalf("want HTML body, got %q", got.text)
	}

	// Plain replies stay without a parse mode.
	f.router.routeUpdate(ctx, textUpdate(testOwner, "/start"))
	f.runOne(t)
	if plain := f.adapter.lastSent(t); plain.opt == nil || plain.opt.ParseMode != "" {
		t.Fatalf("menu reply must stay plain, got %+v", plain.opt)
	}
}

func TestCallbackBadScopeIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.router.routeUpdate(context.Background(), callbackUpdate(testOwner, "other:done:"))

	f.noJobs(t)
	if len(f.adapter.answers) != 1 {
		t.Fatalf("answers = %v, want one empty ack", f.adapter.answers)
	}
}

func TestCallbackBadTogglePayloadIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.router.routeUpdate(context.Background(), callbackUpdate(testOwner, tgui.Data(cbScope, "toggle", "not-a-number")))

	f.noJobs(t)
	if len(f.adapter.answers) != 1 {
		t.Fatalf("answers = %v, want one empty ack", f.adapter.answers)
	}
}

func TestCallbackCancelEditsPrompt(t *testing.T) {
	f := newFixture(t, nil)

	// Put the session into batch collection first.
	if _, err := f.machine.Capture(context.Background(), testOwner, broadcast.Message{Kind: transport.ContentText, Text: "hi"}); err != nil {
		t.Fatalf("capture: %v", err)
	}

	f.router.routeUpdate(context.Background(), callbackUpdate(testOwner, tgui.Data(cbScope, "cancel", "")))
	f.runOne(t)

	if len(f.adapter.edited) != 1 {
		t.Fatalf("edits = %d, want 1", len(f.adapter.edited))
	}
	if !strings.Contains(f.adapter.edited[0].text, "cancelled") {
		t.Fatalf("edit text = %q", f.adapter.edited[0].text)
	}
	// The job also acks the callback to stop the spinner.
	if len(f.adapter.answers) != 1 {
		t.Fatalf("answers = %v, want one ack", f.adapter.answers)
	}
	if got := f.machine.Step(testOwner); got != flow.StepIdle {
		t.Fatalf("step = %v, want idle", got)
	}
}

func TestBatchMarkupCallbackData(t *testing.T) {
	mk := batchMarkup()
	if len(mk.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(mk.InlineKeyboard))
	}
	wantActions := []string{string(flow.SelectAll), string(flow.SelectChoose), string(flow.SelectCancel)}
	for i, row := range mk.InlineKeyboard {
		if len(row) != 1 {
			t.Fatalf("row %d has %d buttons", i, len(row))
		}
		scope, action, payload, ok := tgui.Split(row[0].Data)
		if !ok {
			t.Fatalf("row %d: data %q does not split", i, row[0].Data)
		}
		if scope != cbScope || action != wantActions[i] || payload != "" {
			t.Fatalf("row %d: got %s:%s:%s", i, scope, action, payload)
		}
	}
}

func TestSelectMarkupCallbackData(t *testing.T) {
	mk := selectMarkup([]flow.TargetOption{
		{ChatID: -101, Label: "@news", Selected: true},
		{ChatID: -102, Label: "@blog"},
	})
	if len(mk.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(mk.InlineKeyboard))
	}

	first := mk.InlineKeyboard[0][0]
	if !strings.HasPrefix(first.Text, "✅ ") {
		t.Fatalf("selected label = %q, want checkmark prefix", first.Text)
	}
	_, action, payload, ok := tgui.Split(first.Data)
	if !ok || action != string(flow.SelectToggle) || payload != "-101" {
		t.Fatalf("first button data = %q", first.Data)
	}

	second := mk.InlineKeyboard[1][0]
	if strings.HasPrefix(second.Text, "✅ ") {
		t.Fatalf("unselected label = %q carries checkmark", second.Text)
	}

	last := mk.InlineKeyboard[2]
	if len(last) != 2 {
		t.Fatalf("last row has %d buttons, want done+cancel", len(last))
	}
	_, action, _, ok = tgui.Split(last[0].Data)
	if !ok || action != string(flow.SelectDone) {
		t.Fatalf("done button data = %q", last[0].Data)
	}
	_, action, _, ok = tgui.Split(last[1].Data)
	if !ok || action != string(flow.SelectCancel) {
		t.Fatalf("cancel button data = %q", last[1].Data)
	}
}

func TestMuffle(t *testing.T) {
	muffled := []error{
		flow.ErrInvalidInput,
		flow.ErrUnrecognized,
		flow.ErrNoDestinationSelected,
		flow.ErrNoChannels,
		registry.ErrForbidden,
		registry.ErrNotFound,
		registry.ErrDuplicateChannel,
		registry.ErrCapacityExceeded,
	}
	for _, err := range muffled {
		if got := muffle(err); got != nil {
			t.Fatalf("muffle(%v) = %v, want nil", err, got)
		}
	}
	if muffle(nil) != nil {
		t.Fatal("muffle(nil) != nil")
	}
	boom := errors.New("boom")
	if got := muffle(boom); !errors.Is(got, boom) {
		t.Fatalf("muffle(boom) = %v, want boom", got)
	}
}
