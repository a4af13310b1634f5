// Package guards implements the pre-trade guard pipeline: ordered,
// short-circuiting checks run before every order submission, each emitting
// one guard event and one counter increment on rejection.
package guards

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// HaltFlag is a filesystem marker file. Its mere existence blocks new
// submissions; the content is a human-readable reason. The flag is removed
// on the daily UTC reset.
type HaltFlag struct {
	mu       sync.Mutex
	path     string
	lastDay  string
	now      func() time.Time
}

// NewHaltFlag creates a halt flag at the given path.
func NewHaltFlag(path string) *HaltFlag {
	return &HaltFlag{path: path, now: time.Now}
}

// Exists reports whether the flag file is present.
func (h *HaltFlag) Exists() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

// Reason returns the flag file content, or "" when absent.
func (h *HaltFlag) Reason() string {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Set writes the flag with a reason. An existing reason is preserved; the
// first halt of the day wins.
func (h *HaltFlag) Set(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(h.path); err == nil {
		return nil
	}
	content := fmt.Sprintf("%s | %s\n", h.now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(h.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write halt flag: %w", err)
	}
	return nil
}

// Clear removes the flag file.
func (h *HaltFlag) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := os.Remove(h.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear halt flag: %w", err)
	}
	return nil
}

// ResetIfNewDay clears the flag when the UTC day has rolled over since the
// last reset. Returns true when a reset happened.
func (h *HaltFlag) ResetIfNewDay() bool {
	h.mu.Lock()
	today := h.now().UTC().Format("2006-01-02")
	if h.lastDay == today {
		h.mu.Unlock()
		return false
	}
	first := h.lastDay == ""
	h.lastDay = today
	h.mu.Unlock()

	if first {
		// Process start: adopt today without clearing an operator halt.
		return false
	}
	return h.Clear() == nil
}
