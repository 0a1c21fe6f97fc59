package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/broadcast"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/registry"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/storage"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/tgui"
)

// channelLabelMaxRunes caps channel titles in list and report replies so
// one long name cannot blow up the message.
const channelLabelMaxRunes = 48

// MenuAction is a decoded main-menu button press. Menu events only
// transition out of the idle step.
type MenuAction string

const (
	ActionAddChannel    MenuAction = "add_channel"
	ActionRemoveChannel MenuAction = "remove_channel"
	ActionListChannels  MenuAction = "list_channels"
	ActionNewPost       MenuAction = "new_post"
	ActionManageAdmins  MenuAction = "manage_admins"
	ActionAddAdmin      MenuAction = "add_admin"
	ActionRemoveAdmin   MenuAction = "remove_admin"
	ActionBack          MenuAction = "back"
)

// SelectKind is a decoded inline-button press in the broadcast flow.
type SelectKind string

const (
	SelectChoose SelectKind = "choose" // switch to per-destination selection
	SelectAll    SelectKind = "all"    // post to every registered channel
	SelectToggle SelectKind = "toggle" // toggle one destination
	SelectDone   SelectKind = "done"
	SelectCancel SelectKind = "cancel"
)

type SelectEvent struct {
	Kind   SelectKind
	ChatID int64 // for SelectToggle
}

// Keyboard tells the router which markup to render with a reply.
type Keyboard int

const (
	KeyboardNone Keyboard = iota
	KeyboardMain
	KeyboardAdmins
	KeyboardBatch  // post to all / choose channels / cancel
	KeyboardSelect // destination toggles + done / cancel
)

type TargetOption struct {
	ChatID   int64
	Label    string
	Selected bool
}

// Reply is what the machine wants said back to the principal. Rendering
// (markup, emoji placement) is the router's job.
type Reply struct {
	Text     string
	HTML     bool // Text is pre-escaped Telegram HTML
	Keyboard Keyboard
	Targets  []TargetOption // populated for KeyboardSelect
	Edit     bool           // edit the originating prompt instead of sending anew
	Silent   bool           // nothing to send (silent batch append)
}

// Eligibility is the transport-side destination check consulted before a
// registration is accepted.
type Eligibility interface {
	ResolveChat(ctx context.Context, ref string) (transport.ChatInfo, error)
	CanPost(ctx context.Context, chatID int64) (bool, error)
}

// Broadcaster hands a resolved (batch x destinations) pair off for fan-out.
type Broadcaster interface {
	Deliver(ctx context.Context, batch []broadcast.Message, dests []broadcast.Destination) broadcast.Report
}

// Auditor records operator actions. Best-effort; audit failures are logged,
// never surfaced to the operator.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Machine interprets inbound events in light of each principal's current
// step, mutating the registries and handing completed batches to the
// broadcast engine. It is transport-free and fully testable with fakes.
type Machine struct {
	principals *registry.Principals
	channels   *registry.Channels
	checker    Eligibility
	engine     Broadcaster
	audit      Auditor
	log        logx.Logger

	sessions *sessions
}

func NewMachine(
	principals *registry.Principals,
	channels *registry.Channels,
	checker Eligibility,
	engine Broadcaster,
	audit Auditor,
	log logx.Logger,
) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{
		principals: principals,
		channels:   channels,
		checker:    checker,
		engine:     engine,
		audit:      audit,
		log:        log,
		sessions:   newSessions(),
	}
}

// Step reports the principal's current step (tests and diagnostics).
func (m *Machine) Step(principal int64) Step {
	s := m.sessions.get(principal)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// SweepIdle resets sessions with no activity for ttl.
func (m *Machine) SweepIdle(ttl time.Duration) int {
	return m.sessions.sweep(ttl)
}

// Start handles /start: greet and show the main menu.
func (m *Machine) Start(ctx context.Context, principal int64) Reply {
	_ = ctx
	s := m.sessions.get(principal)
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	return Reply{Text: "Choose an option:", Keyboard: KeyboardMain}
}

// Cancel aborts whatever flow is in progress, discarding captured data.
func (m *Machine) Cancel(ctx context.Context, principal int64) Reply {
	_ = ctx
	s := m.sessions.get(principal)
	s.mu.Lock()
	wasIdle := s.step == StepIdle && len(s.batch) == 0
	s.reset()
	s.mu.Unlock()
	if wasIdle {
		return Reply{Text: "Nothing to cancel.", Keyboard: KeyboardMain}
	}
	return Reply{Text: "Operation cancelled.", Keyboard: KeyboardMain}
}

// Menu handles a decoded main-menu action. Only valid from idle; in any
// other step it matches no rule and the step is left unchanged.
func (m *Machine) Menu(ctx context.Context, principal int64, action MenuAction) (Reply, error) {
	s := m.sessions.get(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step != StepIdle {
		return Reply{Text: "Unrecognized input. Send the requested value or /cancel."}, ErrUnrecognized
	}

	switch action {
	case ActionAddChannel:
		s.step = StepAwaitChannelAdd
		return Reply{Text: "Send the @username of the channel:"}, nil

	case ActionRemoveChannel:
		s.step = StepAwaitChannelRemove
		return Reply{Text: "Send the @username of the channel to remove:"}, nil

	case ActionListChannels:
		return m.listChannelsLocked(ctx, principal)

	case ActionNewPost:
		s.step = StepCollecting
		s.batch = nil
		return Reply{Text: "Send or forward the messages you want to post. When the first one arrives you will choose the destinations."}, nil

	case ActionManageAdmins:
		if !m.principals.IsOwner(principal) {
			return Reply{Text: "Only the owner can manage admins."}, registry.ErrForbidden
		}
		return Reply{Text: "Admin management:", Keyboard: KeyboardAdmins}, nil

	case ActionAddAdmin:
		if !m.principals.IsOwner(principal) {
			return Reply{Text: "Only the owner can manage admins."}, registry.ErrForbidden
		}
		s.step = StepAwaitAdminAdd
		return Reply{Text: "Send the user ID to add as admin:"}, nil

	case ActionRemoveAdmin:
		if !m.principals.IsOwner(principal) {
			return Reply{Text: "Only the owner can manage admins."}, registry.ErrForbidden
		}
		s.step = StepAwaitAdminRemove
		return Reply{Text: "Send the user ID to remove from admin:"}, nil

	case ActionBack:
		return Reply{Text: "Main menu:", Keyboard: KeyboardMain}, nil

	default:
		return Reply{Text: "Please select a valid option from the menu."}, ErrUnrecognized
	}
}

func (m *Machine) listChannelsLocked(ctx context.Context, principal int64) (Reply, error) {
	chs, err := m.channels.List(ctx, principal)
	if err != nil {
		return Reply{Text: "Could not read your channels, try again later."}, err
	}
	if len(chs) == 0 {
		return Reply{Text: "You have not added any channels."}, nil
	}
	parts := make([]tgui.H, 0, len(chs)+1)
	parts = append(parts, tgui.B(fmt.Sprintf("Your channels (%d/%d):", len(chs), m.channels.Max())))
	for _, ch := range chs {
		parts = append(parts, "• "+channelLine(ch))
	}
	return Reply{Text: tgui.Lines(parts...), HTML: true}, nil
}

// channelLine renders one registered channel for the list reply:
// public channels link to t.me, private ones show the raw chat id.
func channelLine(ch storage.Channel) tgui.H {
	if strings.HasPrefix(ch.Name, "@") {
		label := tgui.TruncRunes(ch.Name, channelLabelMaxRunes)
		return tgui.Link(label, "https://t.me/"+strings.TrimPrefix(ch.Name, "@"))
	}
	if ch.Name != "" {
		return tgui.Esc(tgui.TruncRunes(ch.Name, channelLabelMaxRunes))
	}
	return tgui.Code(strconv.FormatInt(ch.ChatID, 10))
}

// Text handles a typed free-text reply according to the current step.
func (m *Machine) Text(ctx context.Context, principal int64, text string) (Reply, error) {
	s := m.sessions.get(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	text = strings.TrimSpace(text)

	switch s.step {
	case StepAwaitChannelAdd:
		s.step = StepIdle
		return m.addChannel(ctx, principal, text)

	case StepAwaitChannelRemove:
		s.step = StepIdle
		return m.removeChannel(ctx, principal, text)

	case StepAwaitAdminAdd:
		s.step = StepIdle
		return m.addAdmin(ctx, principal, text)

	case StepAwaitAdminRemove:
		s.step = StepIdle
		return m.removeAdmin(ctx, principal, text)

	case StepCollecting:
		// The operator pressed New Post and then typed the post by hand.
		if text == "" {
			return Reply{Text: "Please select a valid option from the menu."}, ErrUnrecognized
		}
		return m.captureLocked(s, broadcast.Message{Kind: transport.ContentText, Text: text})

	default:
		return Reply{Text: "Please select a valid option from the menu."}, ErrUnrecognized
	}
}

// Capture handles a forwarded or attached message: the broadcast payload.
// The first message of a batch opens the collecting step and issues the
// destination-choice prompt exactly once; later messages append silently.
func (m *Machine) Capture(ctx context.Context, principal int64, msg broadcast.Message) (Reply, error) {
	_ = ctx
	s := m.sessions.get(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.step {
	case StepIdle, StepCollecting:
		return m.captureLocked(s, msg)

	default:
		return Reply{Text: "Unrecognized input. Send the requested value or /cancel."}, ErrUnrecognized
	}
}

// captureLocked appends one message to the batch. Called with the session
// lock held. The destination-choice prompt goes out with the first message
// of the batch only, whether the collecting step was opened by that message
// or by the New Post button.
func (m *Machine) captureLocked(s *session, msg broadcast.Message) (Reply, error) {
	s.step = StepCollecting
	s.batch = append(s.batch, msg)
	if len(s.batch) > 1 {
		return Reply{Silent: true}, nil
	}
	return Reply{
		Text:     "Message captured. Forward more to add them to the batch, then choose where to post:",
		Keyboard: KeyboardBatch,
	}, nil
}

// Select handles the inline buttons of the broadcast flow.
func (m *Machine) Select(ctx context.Context, principal int64, ev SelectEvent) (Reply, error) {
	s := m.sessions.get(principal)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == SelectCancel {
		if s.step == StepIdle {
			return Reply{Text: "Nothing to cancel.", Edit: true}, nil
		}
		s.reset()
		return Reply{Text: "Operation cancelled.", Edit: true}, nil
	}

	switch s.step {
	case StepCollecting:
		switch ev.Kind {
		case SelectAll:
			chs, err := m.channels.List(ctx, principal)
			if err != nil {
				return Reply{Text: "Could not read your channels, try again later.", Edit: true}, err
			}
			if len(chs) == 0 {
				s.reset()
				return Reply{Text: "You have no channels added.", Edit: true}, ErrNoChannels
			}
			return m.deliverLocked(ctx, principal, s, destinations(chs))

		case SelectChoose:
			chs, err := m.channels.List(ctx, principal)
			if err != nil {
				return Reply{Text: "Could not read your channels, try again later.", Edit: true}, err
			}
			if len(chs) == 0 {
				s.reset()
				return Reply{Text: "You have no channels added.", Edit: true}, ErrNoChannels
			}
			s.step = StepSelectTargets
			s.selected = map[int64]bool{}
			return Reply{
				Text:     "Select the channels to post in:",
				Keyboard: KeyboardSelect,
				Targets:  m.targetOptions(chs, s.selected),
				Edit:     true,
			}, nil
		}

	case StepSelectTargets:
		switch ev.Kind {
		case SelectAll:
			// Stale batch prompt or a change of mind; same meaning as at
			// the first prompt.
			chs, err := m.channels.List(ctx, principal)
			if err != nil {
				return Reply{Text: "Could not read your channels, try again later.", Edit: true}, err
			}
			if len(chs) == 0 {
				s.reset()
				return Reply{Text: "You have no channels added.", Edit: true}, ErrNoChannels
			}
			return m.deliverLocked(ctx, principal, s, destinations(chs))

		case SelectToggle:
			// Idempotent toggle: present -> removed, absent -> added.
			if s.selected[ev.ChatID] {
				delete(s.selected, ev.ChatID)
			} else {
				s.selected[ev.ChatID] = true
			}
			chs, err := m.channels.List(ctx, principal)
			if err != nil {
				return Reply{Text: "Could not read your channels, try again later.", Edit: true}, err
			}
			return Reply{
				Text:     "Select the channels to post in:",
				Keyboard: KeyboardSelect,
				Targets:  m.targetOptions(chs, s.selected),
				Edit:     true,
			}, nil

		case SelectDone:
			if len(s.selected) == 0 {
				return Reply{Text: "Select at least one channel first."}, ErrNoDestinationSelected
			}
			chs, err := m.channels.List(ctx, principal)
			if err != nil {
				return Reply{Text: "Could not read your channels, try again later.", Edit: true}, err
			}
			// Keep registry insertion order for the selected subset.
			var dests []broadcast.Destination
			for _, ch := range chs {
				if s.selected[ch.ChatID] {
					dests = append(dests, broadcast.Destination{ChatID: ch.ChatID, Name: channelLabel(ch)})
				}
			}
			if len(dests) == 0 {
				// Selection referenced channels removed meanwhile.
				return Reply{Text: "Select at least one channel first."}, ErrNoDestinationSelected
			}
			return m.deliverLocked(ctx, principal, s, dests)
		}
	}

	return Reply{Text: "Unrecognized input. Send the requested value or /cancel.", Edit: true}, ErrUnrecognized
}

// ---- step handlers ----

func (m *Machine) addChannel(ctx context.Context, principal int64, text string) (Reply, error) {
	if text == "" || !strings.HasPrefix(text, "@") || len(text) < 2 {
		return Reply{Text: "Channel username must start with @."}, ErrInvalidInput
	}

	info, err := m.checker.ResolveChat(ctx, text)
	if err != nil {
		return Reply{Text: fmt.Sprintf("Cannot find %s. Is the bot added to the channel?", text)}, err
	}
	if !info.Eligible {
		return Reply{Text: "This is not a valid channel."}, ErrInvalidInput
	}
	canPost, err := m.checker.CanPost(ctx, info.ID)
	if err != nil {
		return Reply{Text: fmt.Sprintf("Could not verify posting rights in %s.", text)}, err
	}
	if !canPost {
		return Reply{Text: fmt.Sprintf("Bot lacks permission to post in %s.", text)}, ErrInvalidInput
	}

	name := info.Name
	if name == "" {
		name = text
	}
	err = m.channels.Add(ctx, principal, storage.Channel{ChatID: info.ID, Name: name})
	switch {
	case errors.Is(err, registry.ErrDuplicateChannel):
		return Reply{Text: "Channel already added."}, err
	case errors.Is(err, registry.ErrCapacityExceeded):
		return Reply{Text: fmt.Sprintf("Channel limit reached (%d). Remove one first.", m.channels.Max())}, err
	case err != nil:
		return Reply{Text: "Could not save the channel, try again later."}, err
	}

	m.recordAudit(ctx, principal, "channel.add", name, nil)
	return Reply{Text: fmt.Sprintf("Channel %s added.", name)}, nil
}

func (m *Machine) removeChannel(ctx context.Context, principal int64, text string) (Reply, error) {
	if text == "" {
		return Reply{Text: "Send the @username of the channel to remove."}, ErrInvalidInput
	}

	chs, err := m.channels.List(ctx, principal)
	if err != nil {
		return Reply{Text: "Could not read your channels, try again later."}, err
	}

	// Match within the principal's own set only: by @name or numeric id.
	var target *storage.Channel
	for i := range chs {
		if strings.EqualFold(chs[i].Name, text) || strconv.FormatInt(chs[i].ChatID, 10) == text {
			target = &chs[i]
			break
		}
	}
	if target == nil {
		return Reply{Text: "Channel not found."}, registry.ErrNotFound
	}

	if err := m.channels.Remove(ctx, principal, target.ChatID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Reply{Text: "Channel not found."}, err
		}
		return Reply{Text: "Could not remove the channel, try again later."}, err
	}
	m.recordAudit(ctx, principal, "channel.remove", target.Name, nil)
	return Reply{Text: fmt.Sprintf("Channel %s removed.", channelLabel(*target))}, nil
}

func (m *Machine) addAdmin(ctx context.Context, principal int64, text string) (Reply, error) {
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return Reply{Text: "Please send a valid numeric user ID."}, ErrInvalidInput
	}

	// The transport must know the user (they have to have started the bot)
	// or future interactions with them would fail anyway.
	if _, err := m.checker.ResolveChat(ctx, text); err != nil {
		return Reply{Text: fmt.Sprintf("Cannot resolve user %d. Have they started the bot?", id)}, err
	}

	if err := m.principals.AddAdmin(ctx, principal, id); err != nil {
		if errors.Is(err, registry.ErrForbidden) {
			return Reply{Text: "Only the owner can manage admins."}, err
		}
		return Reply{Text: "Could not save the admin, try again later."}, err
	}
	m.recordAudit(ctx, principal, "admin.add", strconv.FormatInt(id, 10), nil)
	return Reply{Text: fmt.Sprintf("User %d added as admin.", id)}, nil
}

func (m *Machine) removeAdmin(ctx context.Context, principal int64, text string) (Reply, error) {
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil || id <= 0 {
		return Reply{Text: "Please send a valid numeric user ID."}, ErrInvalidInput
	}

	err = m.principals.RemoveAdmin(ctx, principal, id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return Reply{Text: "User not found in admin list."}, err
	case errors.Is(err, registry.ErrForbidden) && id == m.principals.Owner():
		return Reply{Text: "The owner cannot be removed."}, err
	case errors.Is(err, registry.ErrForbidden):
		return Reply{Text: "Only the owner can manage admins."}, err
	case err != nil:
		return Reply{Text: "Could not update the admin list, try again later."}, err
	}
	m.recordAudit(ctx, principal, "admin.remove", strconv.FormatInt(id, 10), nil)
	return Reply{Text: fmt.Sprintf("User %d removed from admin.", id)}, nil
}

// deliverLocked hands the captured batch to the engine and resets the
// session. Called with the session lock held.
func (m *Machine) deliverLocked(ctx context.Context, principal int64, s *session, dests []broadcast.Destination) (Reply, error) {
	batch := s.batch
	s.reset()

	if len(batch) == 0 {
		return Reply{Text: "Nothing to post.", Edit: true}, ErrUnrecognized
	}

	rep := m.engine.Deliver(ctx, batch, dests)
	m.recordAudit(ctx, principal, "broadcast", fmt.Sprintf("%d msgs to %d channels", rep.Messages, len(dests)), &rep)

	return Reply{Text: reportText(rep), HTML: true, Edit: true}, nil
}

func (m *Machine) targetOptions(chs []storage.Channel, selected map[int64]bool) []TargetOption {
	opts := make([]TargetOption, 0, len(chs))
	for _, ch := range chs {
		opts = append(opts, TargetOption{
			ChatID:   ch.ChatID,
			Label:    channelLabel(ch),
			Selected: selected[ch.ChatID],
		})
	}
	return opts
}

func (m *Machine) recordAudit(ctx context.Context, principal int64, action, target string, rep *broadcast.Report) {
	if m.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now(),
		ActorID: principal,
		Action:  action,
		Target:  target,
	}
	if rep != nil {
		e.OK = rep.Attempts() - rep.Failed()
		e.Fail = rep.Failed()
		e.TookMS = rep.Took.Milliseconds()
	}
	if err := m.audit.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func destinations(chs []storage.Channel) []broadcast.Destination {
	dests := make([]broadcast.Destination, 0, len(chs))
	for _, ch := range chs {
		dests = append(dests, broadcast.Destination{ChatID: ch.ChatID, Name: channelLabel(ch)})
	}
	return dests
}

func channelLabel(ch storage.Channel) string {
	if ch.Name != "" {
		return ch.Name
	}
	return strconv.FormatInt(ch.ChatID, 10)
}

// reportText renders a delivery report as Telegram HTML.
func reportText(rep broadcast.Report) string {
	total := len(rep.Destinations)
	clean := rep.CleanDestinations()
	if rep.Failed() == 0 {
		return tgui.Lines(tgui.B(fmt.Sprintf("Posted %d message(s) to %d channel(s).", rep.Messages, total)))
	}
	parts := []tgui.H{
		tgui.B(fmt.Sprintf("Posted %d message(s): %d/%d channel(s) ok, %d delivery failure(s).",
			rep.Messages, clean, total, rep.Failed())),
	}
	for _, d := range rep.Destinations {
		if d.Failed == 0 {
			continue
		}
		name := tgui.TruncRunes(d.Destination.Name, channelLabelMaxRunes)
		parts = append(parts, "• "+tgui.Esc(name)+": "+tgui.I(fmt.Sprintf("%d failed", d.Failed)))
	}
	return tgui.Lines(parts...)
}
