package tgui

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's byte limit on callback_data, counted
// over the whole "plugin:action:payload" string.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data assembles "plugin:action" or "plugin:action:payload". The payload
// passes through untouched; structured values go through PackJSON.
func Data(plugin, action, payload string) string {
	out := strings.TrimSpace(plugin) + ":" + strings.TrimSpace(action)
	if payload != "" {
		out += ":" + payload
	}
	return out
}

// PackJSON encodes v as unpadded base64url JSON for use as a payload.
func PackJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// MustPackJSON is PackJSON with errors collapsed to "".
func MustPackJSON(v any) string {
	packed, _ := PackJSON(v)
	return packed
}

// UnpackJSON reverses PackJSON into v.
func UnpackJSON(payload string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ActionDataWithStore builds callback data for v, parking the JSON in store
// when the inline form would blow MaxCallbackDataLen. The stored form uses
// a "~token" payload; receivers recognize the "~" prefix and resolve it
// through store.GetBytes.
func ActionDataWithStore(plugin, action string, v any, store *TokenStore) (string, error) {
	payload, err := PackJSON(v)
	if err != nil {
		return "", err
	}
	if data := Data(plugin, action, payload); len(data) <= MaxCallbackDataLen {
		return data, nil
	}
	if store == nil {
		return "", ErrCallbackDataTooLong
	}
	tok, err := store.PutJSON(v)
	if err != nil {
		return "", err
	}
	data := Data(plugin, action, tok)
	if len(data) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return data, nil
}
