package logs

import (
	"regexp"

	"github.com/sasha-s/go-deadlock"
)

// Filter composes over a container's buffer. Zero values match everything.
type Filter struct {
	Level  Level  `json:"level,omitempty"`
	Stream Stream `json:"stream,omitempty"`

	// Since / Until are inclusive bounds in epoch milliseconds.
	Since int64 `json:"since,omitempty"`
	Until int64 `json:"until,omitempty"`

	// Search is a case-insensitive regular expression over the message.
	Search string `json:"search,omitempty"`

	// Limit returns the most recent N matches. Zero means all.
	Limit int `json:"limit,omitempty"`
}

// ringBuffer is a bounded per-container FIFO; the oldest entry is dropped
// when the bound is exceeded. Readers copy out under the lock.
type ringBuffer struct {
	mutex   deadlock.Mutex
	entries []Entry
	max     int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (b *ringBuffer) append(entry Entry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.max {
		overflow := len(b.entries) - b.max
		b.entries = append(b.entries[:0:0], b.entries[overflow:]...)
	}
}

func (b *ringBuffer) len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.entries)
}

func (b *ringBuffer) clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.entries = nil
}

// filtered returns a copy of the matching entries, oldest first. An invalid
// search regex matches nothing.
func (b *ringBuffer) filtered(filter Filter) []Entry {
	var search *regexp.Regexp
	if filter.Search != "" {
		var err error
		search, err = regexp.Compile("(?i)" + filter.Search)
		if err != nil {
			return nil
		}
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	matched := make([]Entry, 0, len(b.entries))
	for _, entry := range b.entries {
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		if filter.Stream != "" && entry.Stream != filter.Stream {
			continue
		}
		if filter.Since != 0 && entry.Timestamp < filter.Since {
			continue
		}
		if filter.Until != 0 && entry.Timestamp > filter.Until {
			continue
		}
		if search != nil && !search.MatchString(entry.Message) {
			continue
		}
		matched = append(matched, entry)
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched
}
