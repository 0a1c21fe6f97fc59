package router

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/broadcast"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/flow"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/ratelimit"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/registry"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/runtime/supervisor"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/tgui"
)

const deniedText = "Access denied."

// Request carries one inbound event through the middleware chain.
type Request struct {
	Update transport.Update
	Chat   transport.ChatTarget
	FromID int64
	Event  string // decoded event name for logging ("menu:add_channel", "cb:post:done", ...)

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Router authenticates inbound updates, decodes them into flow events and
// renders the machine's replies back through the adapter. Handlers run on a
// bounded worker pool so one slow broadcast cannot stall dispatch.
type Router struct {
	adapter    transport.Adapter
	machine    *flow.Machine
	principals *registry.Principals
	limiter    *ratelimit.Limiter
	log        logx.Logger

	handlerTimeout time.Duration

	jobs chan func()
}

func New(
	adapter transport.Adapter,
	machine *flow.Machine,
	principals *registry.Principals,
	limiter *ratelimit.Limiter,
	handlerTimeout time.Duration,
	log logx.Logger,
) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = 2 * time.Minute
	}
	return &Router{
		adapter:        adapter,
		machine:        machine,
		principals:     principals,
		limiter:        limiter,
		log:            log,
		handlerTimeout: handlerTimeout,
		jobs:           make(chan func(), 256),
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
	)

	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() { close(r.jobs) })
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job != nil {
						job()
					}
				}
			}
		})
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		r.routeMessage(root, up)
	case transport.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) routeMessage(root context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	if !r.principals.IsAuthorized(msg.FromID) {
		// Unauthorized chatter is expected noise; answer once, log at debug.
		r.log.Debug("unauthorized message", logx.Int64("from_id", msg.FromID))
		_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID}, deniedText, nil)
		return
	}

	if r.limiter != nil && !r.limiter.Admit(msg.FromID) {
		_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID}, "Too many requests. Try again in a minute.", nil)
		return
	}

	event, handle := r.decodeMessage(msg)
	r.enqueue(root, up, transport.ChatTarget{ChatID: msg.ChatID}, msg.FromID, event, handle)
}

// decodeMessage classifies one authorized message into a flow event.
//
// Order matters: commands win, then anything carrying broadcast content
// (media, or forwarded text), then menu labels, then per-step free text.
func (r *Router) decodeMessage(msg *transport.Message) (string, HandlerFunc) {
	text := strings.TrimSpace(msg.Text)

	switch {
	case msg.Content == transport.ContentText && strings.HasPrefix(text, "/"):
		cmd := text
		if i := strings.IndexByte(cmd, ' '); i >= 0 {
			cmd = cmd[:i]
		}
		if i := strings.IndexByte(cmd, '@'); i >= 0 {
			cmd = cmd[:i]
		}
		switch cmd {
		case "/start":
			return "cmd:start", func(ctx context.Context, req *Request) error {
				rep := r.machine.Start(ctx, req.FromID)
				return r.send(ctx, req, rep, nil)
			}
		case "/cancel":
			return "cmd:cancel", func(ctx context.Context, req *Request) error {
				rep := r.machine.Cancel(ctx, req.FromID)
				return r.send(ctx, req, rep, nil)
			}
		default:
			return "cmd:unknown", func(ctx context.Context, req *Request) error {
				rep := flow.Reply{Text: "Unknown command. Use /start.", Keyboard: flow.KeyboardMain}
				return r.send(ctx, req, rep, nil)
			}
		}

	case msg.Content != transport.ContentText || msg.Forwarded:
		// Broadcast payload: media of any supported kind, or forwarded text.
		captured := broadcast.Message{
			Kind:   msg.Content,
			FileID: msg.FileID,
		}
		if msg.Content == transport.ContentText {
			captured.Text = msg.Text
		} else {
			captured.Caption = msg.Text
		}
		return "capture:" + string(msg.Content), func(ctx context.Context, req *Request) error {
			rep, err := r.machine.Capture(ctx, req.FromID, captured)
			if sendErr := r.send(ctx, req, rep, nil); sendErr != nil {
				return sendErr
			}
			return muffle(err)
		}

	default:
		if action, ok := decodeMenu(text); ok {
			return "menu:" + string(action), func(ctx context.Context, req *Request) error {
				rep, err := r.machine.Menu(ctx, req.FromID, action)
				if sendErr := r.send(ctx, req, rep, nil); sendErr != nil {
					return sendErr
				}
				return muffle(err)
			}
		}
		return "text", func(ctx context.Context, req *Request) error {
			rep, err := r.machine.Text(ctx, req.FromID, text)
			if sendErr := r.send(ctx, req, rep, nil); sendErr != nil {
				return sendErr
			}
			return muffle(err)
		}
	}
}

func (r *Router) routeCallback(root context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}

	if !r.principals.IsAuthorized(cb.FromID) {
		_ = r.adapter.AnswerCallback(root, cb.ID, deniedText)
		return
	}
	if r.limiter != nil && !r.limiter.Admit(cb.FromID) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "Too many requests.")
		return
	}

	scope, action, payload, ok := tgui.Split(cb.Data)
	if !ok || scope != cbScope {
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	ev := flow.SelectEvent{Kind: flow.SelectKind(action)}
	if ev.Kind == flow.SelectToggle {
		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			_ = r.adapter.AnswerCallback(root, cb.ID, "")
			return
		}
		ev.ChatID = id
	}

	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	handle := func(ctx context.Context, req *Request) error {
		rep, err := r.machine.Select(ctx, req.FromID, ev)
		if sendErr := r.send(ctx, req, rep, &ref); sendErr != nil {
			return sendErr
		}
		return muffle(err)
	}

	event := "cb:" + scope + ":" + action
	r.enqueueCallback(root, up, cb, event, handle)
}

func (r *Router) enqueue(root context.Context, up transport.Update, chat transport.ChatTarget, fromID int64, event string, handle HandlerFunc) {
	reqLog := r.log.With(
		logx.Int64("chat_id", chat.ChatID),
		logx.Int64("from_id", fromID),
		logx.String("event", event),
	)
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		Event:   event,
		Adapter: r.adapter,
		Logger:  reqLog,
	}

	final := Chain(
		handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.handlerTimeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, chat, "Busy, try again.", nil)
	}
}

func (r *Router) enqueueCallback(root context.Context, up transport.Update, cb *transport.Callback, event string, handle HandlerFunc) {
	reqLog := r.log.With(
		logx.Int64("chat_id", cb.ChatID),
		logx.Int64("from_id", cb.FromID),
		logx.String("event", event),
	)
	req := &Request{
		Update:  up,
		Chat:    transport.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Event:   event,
		Adapter: r.adapter,
		Logger:  reqLog,
	}

	final := Chain(
		handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.handlerTimeout),
	)

	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop the "loading" spinner
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "Busy, try again.")
	}
}

// send renders one machine reply. ref points at the originating inline
// prompt when the reply wants an edit-in-place.
func (r *Router) send(ctx context.Context, req *Request, rep flow.Reply, ref *transport.MessageRef) error {
	if rep.Silent || rep.Text == "" {
		return nil
	}

	opt := &transport.SendOptions{DisablePreview: true}
	if rep.HTML {
		opt.ParseMode = transport.ParseModeHTML
	}
	switch rep.Keyboard {
	case flow.KeyboardMain:
		opt.ReplyMarkupAdapter = mainMenuMarkup(r.principals.IsOwner(req.FromID))
	case flow.KeyboardAdmins:
		opt.ReplyMarkupAdapter = adminMenuMarkup()
	case flow.KeyboardBatch:
		opt.ReplyMarkupAdapter = batchMarkup()
	case flow.KeyboardSelect:
		opt.ReplyMarkupAdapter = selectMarkup(rep.Targets)
	}

	if rep.Edit && ref != nil {
		if err := r.adapter.EditText(ctx, *ref, rep.Text, opt); err == nil {
			return nil
		}
		// Edit can fail when the prompt is too old or unchanged; fall
		// through to a fresh message.
	}
	_, err := r.adapter.SendText(ctx, req.Chat, rep.Text, opt)
	return err
}

// muffle keeps expected flow-level rejections out of the failure logs.
// They were already answered to the operator; only infrastructure errors
// should count as handler failures.
func muffle(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flow.ErrInvalidInput),
		errors.Is(err, flow.ErrUnrecognized),
		errors.Is(err, flow.ErrNoDestinationSelected),
		errors.Is(err, flow.ErrNoChannels),
		errors.Is(err, registry.ErrForbidden),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrDuplicateChannel),
		errors.Is(err, registry.ErrCapacityExceeded):
		return nil
	default:
		return err
	}
}
