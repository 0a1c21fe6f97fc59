package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// ContentKind is the single payload kind a captured message carries.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is one inbound message, already reduced to the payload the bot
// cares about. For media kinds, FileID references the uploaded file on the
// transport side and Text holds the caption.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string

	Content   ContentKind
	Text      string // text body, or caption for media kinds
	FileID    string // set for photo/video/document
	Forwarded bool   // carried a forward origin on the transport side
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// ParseModeHTML is the Telegram HTML formatting mode. Text sent with it
// must already be escaped (pkg/tgui).
const ParseModeHTML = "HTML"

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// ChatInfo describes a resolved destination.
type ChatInfo struct {
	ID       int64
	Name     string // @username form when available
	Title    string
	Type     string
	Eligible bool // kind of chat that can be broadcast to (channel/supergroup)
}

// ErrUnavailable wraps any transport-level delivery failure.
var ErrUnavailable = errors.New("transport unavailable")

// Adapter is the transport collaborator: inbound update stream plus the
// outbound operations the flow and the broadcast engine need.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, fileID, caption string) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, fileID, caption string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ResolveChat looks up destination metadata by @username or numeric id.
	ResolveChat(ctx context.Context, ref string) (ChatInfo, error)
	// CanPost reports whether the broadcasting identity holds posting
	// rights in the given chat.
	CanPost(ctx context.Context, chatID int64) (bool, error)
}
