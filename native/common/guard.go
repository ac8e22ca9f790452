package common

import "errors"

// ErrModulePaused is returned when an action is switched off by governance or
// operator configuration.
var ErrModulePaused = errors.New("action paused")

// PauseView reports whether an action is currently paused.
type PauseView interface {
	IsPaused(action string) bool
}

// Guard returns ErrModulePaused when p pauses action. A nil view pauses nothing.
func Guard(p PauseView, action string) error {
	if p == nil || action == "" {
		return nil
	}
	if p.IsPaused(action) {
		return ErrModulePaused
	}
	return nil
}
