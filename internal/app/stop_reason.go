package app

import "fragbot/internal/runtime/lifecycle"

// StopReason says why the app is shutting down; Stop forwards it to every
// plugin. The full vocabulary lives in runtime/lifecycle — re-exported
// here are the reasons a main() decides on. Plugin-scoped reasons come
// from internal/plugin instead.
type StopReason = lifecycle.StopReason

const (
	StopUnknown    = lifecycle.StopUnknown
	StopSIGINT     = lifecycle.StopSIGINT
	StopSIGTERM    = lifecycle.StopSIGTERM
	StopFatalError = lifecycle.StopFatalError
)
