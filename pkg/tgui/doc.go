// Package tgui provides small Telegram UI helpers:
//   - Callback data helpers (scope:action:payload)
//   - HTML escaping for ParseMode="HTML"
//   - Rune-safe truncation for button labels and lists
package tgui
