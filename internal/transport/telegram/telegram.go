package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically, not per update.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Me returns the bot's own user id.
func (a *Adapter) Me() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.push(out, transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Content:      transport.ContentText,
				Text:         m.Text,
				Forwarded:    m.IsForwarded(),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Photo == nil {
			return nil
		}
		a.push(out, mediaUpdate(m, transport.ContentPhoto, m.Photo.FileID))
		return nil
	})

	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Video == nil {
			return nil
		}
		a.push(out, mediaUpdate(m, transport.ContentVideo, m.Video.FileID))
		return nil
	})

	a.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Document == nil {
			return nil
		}
		a.push(out, mediaUpdate(m, transport.ContentDocument, m.Document.FileID))
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		up, ok := callbackUpdate(c.Callback(), c.Message())
		if !ok {
			return nil
		}
		a.push(out, up)
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

// callbackUpdate converts a callback press into a transport update.
// Telegram omits the sender on callbacks for inline-mode messages, which
// this bot never produces; such presses are dropped, not dereferenced.
func callbackUpdate(cb *tele.Callback, m *tele.Message) (transport.Update, bool) {
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return transport.Update{}, false
	}
	return transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			FromID:    cb.Sender.ID,
			MessageID: m.ID,
			Data:      cb.Data,
		},
	}, true
}

func mediaUpdate(m *tele.Message, kind transport.ContentKind, fileID string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Content:      kind,
			Text:         m.Caption,
			FileID:       fileID,
			Forwarded:    m.IsForwarded(),
		},
	}
}

func (a *Adapter) push(out chan<- transport.Update, up transport.Update) {
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	_ = ctx
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			sendOpt.ReplyMarkup = rm
		}
	}

	msg, err := a.bot.Send(tele.ChatID(to.ChatID), text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, wrapSendErr(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error) {
	return a.sendMedia(ctx, to, &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption})
}

func (a *Adapter) SendVideo(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error) {
	return a.sendMedia(ctx, to, &tele.Video{File: tele.File{FileID: fileID}, Caption: caption})
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error) {
	return a.sendMedia(ctx, to, &tele.Document{File: tele.File{FileID: fileID}, Caption: caption})
}

func (a *Adapter) sendMedia(ctx context.Context, to transport.ChatTarget, what any) (transport.MessageRef, error) {
	_ = ctx
	msg, err := a.bot.Send(tele.ChatID(to.ChatID), what)
	if err != nil {
		return transport.MessageRef{}, wrapSendErr(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_ = ctx
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			sendOpt.ReplyMarkup = rm
		}
	}
	_, err := a.bot.Edit(m, text, sendOpt)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	_ = ctx
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) ResolveChat(ctx context.Context, ref string) (transport.ChatInfo, error) {
	_ = ctx
	ref = strings.TrimSpace(ref)

	var (
		chat *tele.Chat
		err  error
	)
	if strings.HasPrefix(ref, "@") {
		chat, err = a.bot.ChatByUsername(ref)
	} else if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		chat, err = a.bot.ChatByID(id)
	} else {
		return transport.ChatInfo{}, fmt.Errorf("unresolvable chat reference %q", ref)
	}
	if err != nil {
		return transport.ChatInfo{}, fmt.Errorf("resolve %q: %w", ref, err)
	}

	name := ""
	if chat.Username != "" {
		name = "@" + chat.Username
	}
	return transport.ChatInfo{
		ID:       chat.ID,
		Name:     name,
		Title:    chat.Title,
		Type:     string(chat.Type),
		Eligible: chat.Type == tele.ChatChannel || chat.Type == tele.ChatSuperGroup,
	}, nil
}

func (a *Adapter) CanPost(ctx context.Context, chatID int64) (bool, error) {
	_ = ctx
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, a.bot.Me)
	if err != nil {
		return false, fmt.Errorf("query posting rights: %w", err)
	}
	switch member.Role {
	case tele.Creator:
		return true, nil
	case tele.Administrator:
		return member.Rights.CanPostMessages, nil
	default:
		return false, nil
	}
}

func wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
}
