package router

import (
	"strconv"

	tele "gopkg.in/telebot.v4"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/flow"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/tgui"
)

// Main-menu button labels. These are what the operator taps, so decoding
// matches on the exact label text.
const (
	btnAddChannel    = "➕ Add Channel"
	btnRemoveChannel = "➖ Remove Channel"
	btnMyChannels    = "📋 My Channels"
	btnNewPost       = "📝 New Post"
	btnManageAdmins  = "👤 Manage Admins"
	btnAddAdmin      = "➕ Add Admin"
	btnRemoveAdmin   = "➖ Remove Admin"
	btnBack          = "🔙 Back"
)

// callback scope for the broadcast flow inline buttons
const cbScope = "post"

var menuActions = map[string]flow.MenuAction{
	btnAddChannel:    flow.ActionAddChannel,
	btnRemoveChannel: flow.ActionRemoveChannel,
	btnMyChannels:    flow.ActionListChannels,
	btnNewPost:       flow.ActionNewPost,
	btnManageAdmins:  flow.ActionManageAdmins,
	btnAddAdmin:      flow.ActionAddAdmin,
	btnRemoveAdmin:   flow.ActionRemoveAdmin,
	btnBack:          flow.ActionBack,
}

func decodeMenu(text string) (flow.MenuAction, bool) {
	a, ok := menuActions[text]
	return a, ok
}

func mainMenuMarkup(isOwner bool) *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{ResizeKeyboard: true}
	rows := []tele.Row{
		{mk.Text(btnNewPost)},
		{mk.Text(btnAddChannel), mk.Text(btnRemoveChannel)},
		{mk.Text(btnMyChannels)},
	}
	if isOwner {
		rows = append(rows, tele.Row{mk.Text(btnManageAdmins)})
	}
	mk.Reply(rows...)
	return mk
}

func adminMenuMarkup() *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{ResizeKeyboard: true}
	mk.Reply(
		tele.Row{mk.Text(btnAddAdmin), mk.Text(btnRemoveAdmin)},
		tele.Row{mk.Text(btnBack)},
	)
	return mk
}

func flowBtn(label string, kind flow.SelectKind, payload string) tele.Btn {
	return tgui.Btn(label, tgui.Data(cbScope, string(kind), payload))
}

func batchMarkup() *tele.ReplyMarkup {
	return tgui.NewInline().
		Row(flowBtn("📢 Post to all", flow.SelectAll, "")).
		Row(flowBtn("🎯 Choose channels", flow.SelectChoose, "")).
		Row(flowBtn("❌ Cancel", flow.SelectCancel, "")).
		Markup()
}

func selectMarkup(targets []flow.TargetOption) *tele.ReplyMarkup {
	kb := tgui.NewInline()
	for _, t := range targets {
		label := t.Label
		if t.Selected {
			label = "✅ " + label
		}
		kb.Row(flowBtn(label, flow.SelectToggle, strconv.FormatInt(t.ChatID, 10)))
	}
	kb.Row(
		flowBtn("✔️ Done", flow.SelectDone, ""),
		flowBtn("❌ Cancel", flow.SelectCancel, ""),
	)
	return kb.Markup()
}
