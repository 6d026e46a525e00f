// ABOUTME: Levelled notifications with a deduplicating flash queue and a terminal sink
// ABOUTME: Level helpers mirror toast-style APIs: Success, Error, Warning, Info

package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/widget-console/internal/dedupe"
)

// Level is the notification severity.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notification is one message for the user.
type Notification struct {
	ID      string
	Level   Level
	Title   string
	Message string
	At      time.Time
}

// Notifier receives notifications.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, t := range m {
		if t != nil {
			t.Notify(n)
		}
	}
}

// Discard drops everything.
var Discard Notifier = Func(func(Notification) {})

// Show sends a notification at level.
func Show(to Notifier, level Level, message string) {
	WithTitle(to, level, "", message)
}

// WithTitle sends a titled notification.
func WithTitle(to Notifier, level Level, title, message string) {
	if to == nil {
		return
	}
	to.Notify(Notification{
		ID:      uuid.New().String(),
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
	})
}

func Success(to Notifier, message string) { Show(to, LevelSuccess, message) }
func Error(to Notifier, message string)   { Show(to, LevelError, message) }
func Warning(to Notifier, message string) { Show(to, LevelWarning, message) }
func Info(to Notifier, message string)    { Show(to, LevelInfo, message) }

const (
	defaultQueueWindow = 5 * time.Second
	defaultQueueSize   = 32
)

// Queue holds notifications until drained. Oldest entries are dropped when
// it is full.
type Queue struct {
	mu    sync.Mutex
	items []Notification
	max   int
	seen  *dedupe.Cache
}

// NewQueue creates a queue that drops repeats of the same level and message
// within window.
func NewQueue(window time.Duration, max int) *Queue {
	if window <= 0 {
		window = defaultQueueWindow
	}
	if max <= 0 {
		max = defaultQueueSize
	}
	return &Queue{max: max, seen: dedupe.New(window, max*4)}
}

// Notify queues n unless it repeats a recent one.
func (q *Queue) Notify(n Notification) {
	if q.seen.CheckAndMark(string(n.Level) + "|" + n.Title + "|" + n.Message) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	if len(q.items) > q.max {
		q.items = q.items[len(q.items)-q.max:]
	}
}

// Drain returns and removes all queued notifications.
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue's background sweeper.
func (q *Queue) Close() {
	q.seen.Close()
}

// Console writes notifications as colored lines.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

var levelColors = map[Level]*color.Color{
	LevelSuccess: color.New(color.FgGreen, color.Bold),
	LevelError:   color.New(color.FgRed, color.Bold),
	LevelWarning: color.New(color.FgYellow, color.Bold),
	LevelInfo:    color.New(color.FgCyan),
}

var levelMarks = map[Level]string{
	LevelSuccess: "✓",
	LevelError:   "✗",
	LevelWarning: "!",
	LevelInfo:    "i",
}

func (c *Console) Notify(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mark := levelMarks[n.Level]
	if mark == "" {
		mark = "-"
	}
	if col, ok := levelColors[n.Level]; ok {
		mark = col.Sprint(mark)
	}
	if n.Title != "" {
		fmt.Fprintf(c.out, "%s %s: %s\n", mark, n.Title, n.Message)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", mark, n.Message)
}
