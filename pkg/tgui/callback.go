package tgui

import (
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// It applies to the full "scope:action:payload" string.
const MaxCallbackDataLen = 64

// Data formats inline callback data as "scope:action:payload".
// Payload is kept as-is (no escaping).
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// Split parses "scope:action:payload" back into its parts.
// Telebot prefixes raw callback data with "\f"; Split tolerates that.
// Anything longer than MaxCallbackDataLen cannot have been built by Data
// and is rejected outright.
func Split(data string) (scope, action, payload string, ok bool) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	if len(data) > MaxCallbackDataLen {
		return "", "", "", false
	}
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	scope = parts[0]
	action = parts[1]
	if len(parts) == 3 {
		payload = parts[2]
	}
	return scope, action, payload, scope != "" && action != ""
}
