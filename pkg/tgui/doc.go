// Package tgui provides the small Telegram UI toolkit used by the command
// router and plugins:
//   - HTML-escaped text helpers and a message Builder (title/KV/pre blocks)
//   - Inline keyboard building
//   - Callback data packing (plugin:action:payload) with a TokenStore
//     fallback for payloads over Telegram's 64-byte callback limit
//   - A Pager for long lists
//
// Everything defaults to ParseMode="HTML" with escaping applied, so plugin
// code can render player names and error strings without wondering what
// Telegram will do to angle brackets.
package tgui
