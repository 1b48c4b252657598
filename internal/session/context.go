package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-assist/internal/protocol"
)

// Source identifies which captured material backs a quick answer.
type Source string

const (
	SourceNone       Source = "none"
	SourceTranscript Source = "transcript"
	SourceScreen     Source = "screen"
)

// Selection is the context chosen for a quick answer.
type Selection struct {
	Source Source
	Label  string
	Text   string
}

type selectionKey struct {
	audioActive   bool
	hasTranscript bool
	hasScreen     bool
}

type selectionRule struct {
	source Source
	label  string
}

// quickAnswerTable enumerates every combination of the three inputs.
var quickAnswerTable = map[selectionKey]selectionRule{
	{true, true, true}:    {SourceTranscript, "meeting transcript"},
	{true, true, false}:   {SourceTranscript, "meeting transcript"},
	{true, false, true}:   {SourceScreen, "screen capture — audio has no transcript yet"},
	{true, false, false}:  {SourceNone, ""},
	{false, true, true}:   {SourceScreen, "screen capture"},
	{false, false, true}:  {SourceScreen, "screen capture"},
	{false, true, false}:  {SourceTranscript, "previous transcript"},
	{false, false, false}: {SourceNone, ""},
}

// Context holds the ephemeral material captured during one session. It is
// created by the Lifecycle and wiped when the session ends.
type Context struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	mu             sync.RWMutex
	transcript     []protocol.TranscriptEntry
	screenText     string
	screenCaptured time.Time
	wiped          bool
}

func newContext(parent context.Context, now time.Time) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		id:      uuid.NewString(),
		started: now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID is a random identifier; it carries no user data.
func (c *Context) ID() string { return c.id }

func (c *Context) StartedAt() time.Time { return c.started }

// Done is closed when the session ends. Work started on behalf of the session
// should derive from Ctx so that it stops with it.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Context) Ctx() context.Context { return c.ctx }

// AppendTranscript adds a finalized entry. Entries with empty text and
// appends after the session was wiped are ignored.
func (c *Context) AppendTranscript(entry protocol.TranscriptEntry) bool {
	if strings.TrimSpace(entry.Text) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return false
	}
	c.transcript = append(c.transcript, entry)
	return true
}

// SetScreenText replaces the most recent OCR result. The caller passes text
// that is already redacted.
func (c *Context) SetScreenText(text string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return
	}
	c.screenText = text
	c.screenCaptured = at
}

func (c *Context) ScreenText() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screenText, c.screenCaptured
}

// Transcript returns a copy of all entries in arrival order.
func (c *Context) Transcript() []protocol.TranscriptEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.TranscriptEntry(nil), c.transcript...)
}

func (c *Context) TranscriptLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transcript)
}

// RecentTranscriptWindow returns up to the last n entries in order.
func (c *Context) RecentTranscriptWindow(n int) []protocol.TranscriptEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || len(c.transcript) == 0 {
		return nil
	}
	start := len(c.transcript) - n
	if start < 0 {
		start = 0
	}
	return append([]protocol.TranscriptEntry(nil), c.transcript[start:]...)
}

// SelectQuickAnswerContext picks the material a quick answer is built on. ok
// is false when there is nothing to answer from.
func (c *Context) SelectQuickAnswerContext(audioActive bool) (Selection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := selectionKey{
		audioActive:   audioActive,
		hasTranscript: len(c.transcript) > 0,
		hasScreen:     strings.TrimSpace(c.screenText) != "",
	}
	rule := quickAnswerTable[key]
	switch rule.source {
	case SourceTranscript:
		return Selection{Source: rule.source, Label: rule.label, Text: FormatTranscript(c.transcript)}, true
	case SourceScreen:
		return Selection{Source: rule.source, Label: rule.label, Text: c.screenText}, true
	default:
		return Selection{Source: SourceNone}, false
	}
}

// FormatTranscript renders entries one per line as "Speaker: text".
func FormatTranscript(entries []protocol.TranscriptEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.Speaker != "" {
			b.WriteString(e.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(e.Text)
	}
	return b.String()
}

// wipe drops all captured material and cancels work tied to the session.
func (c *Context) wipe() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.transcript {
		c.transcript[i] = protocol.TranscriptEntry{}
	}
	c.transcript = nil
	c.screenText = ""
	c.screenCaptured = time.Time{}
	c.wiped = true
}
