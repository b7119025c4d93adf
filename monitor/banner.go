package monitor

import (
	"sync"
	"time"
)

// Notice is the poll-failure message currently on display.
type Notice struct {
	Message string
	Since   time.Time
}

// Banner is the side channel for poll failures. A dismissed message stays
// hidden until a different one is set; a successful poll clears it.
type Banner struct {
	mu        sync.Mutex
	notice    *Notice
	dismissed bool
	onChange  func(*Notice)
}

func NewBanner() *Banner {
	return &Banner{}
}

// OnChange is called with the visible notice (nil when hidden) whenever it
// changes.
func (b *Banner) OnChange(fn func(*Notice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Banner) Set(err error) {
	if err == nil {
		b.Clear()
		return
	}
	b.mu.Lock()
	if b.notice != nil && b.notice.Message == err.Error() {
		b.mu.Unlock()
		return
	}
	b.notice = &Notice{Message: err.Error(), Since: time.Now()}
	b.dismissed = false
	b.notifyLocked()
}

func (b *Banner) Clear() {
	b.mu.Lock()
	if b.notice == nil {
		b.mu.Unlock()
		return
	}
	b.notice = nil
	b.dismissed = false
	b.notifyLocked()
}

// Dismiss hides the current notice.
func (b *Banner) Dismiss() {
	b.mu.Lock()
	if b.notice == nil || b.dismissed {
		b.mu.Unlock()
		return
	}
	b.dismissed = true
	b.notifyLocked()
}

// Active reports whether a poll failure is outstanding, shown or dismissed.
func (b *Banner) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notice != nil
}

// Current returns the visible notice.
func (b *Banner) Current() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notice == nil || b.dismissed {
		return Notice{}, false
	}
	return *b.notice, true
}

// notifyLocked releases b.mu before calling the hook.
func (b *Banner) notifyLocked() {
	fn := b.onChange
	var visible *Notice
	if b.notice != nil && !b.dismissed {
		n := *b.notice
		visible = &n
	}
	b.mu.Unlock()
	if fn != nil {
		fn(visible)
	}
}
