package httpapi

import (
	"sync"

	"github.com/civicpulse/heatmap-cli/internal/realtime"
)

const defaultNotificationCapacity = 50

// NotificationLog keeps the most recent realtime notifications.
type NotificationLog struct {
	mu    sync.Mutex
	items []realtime.Notification
	cap   int
}

// NewNotificationLog creates a log holding up to capacity entries.
func NewNotificationLog(capacity int) *NotificationLog {
	if capacity <= 0 {
		capacity = defaultNotificationCapacity
	}
	return &NotificationLog{cap: capacity}
}

// Add records n, evicting the oldest entry when full. It matches
// realtime.Callbacks.OnNotification.
func (l *NotificationLog) Add(n realtime.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
	if over := len(l.items) - l.cap; over > 0 {
		l.items = append([]realtime.Notification(nil), l.items[over:]...)
	}
}

// Recent returns up to limit notifications, newest first. A non-positive
// limit returns all of them.
func (l *NotificationLog) Recent(limit int) []realtime.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]realtime.Notification, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.items[i])
	}
	return out
}
