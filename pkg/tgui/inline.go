package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline accumulates rows for an inline keyboard. The markup is built once,
// by Markup().
type Inline struct {
	rows []tele.Row
}

func NewInline() *Inline { return &Inline{} }

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, tele.Row(btn))
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(i.rows...)
	return rm
}

// Btn creates a callback button with raw callback_data. The data is sent
// as-is; build it with Data so Split can decode it on the way back.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
