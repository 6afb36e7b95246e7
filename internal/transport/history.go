package transport

import "time"

// MaxHistory is the number of raw messages retained per channel, matching
// Twitch's own visible scrollback — enough to resolve a CLEARCHAT/CLEARMSG
// target without a store round trip.
const MaxHistory = 150

// historyEntry is one raw PRIVMSG retained for moderation-event resolution.
type historyEntry struct {
	MessageID string
	UserID    string
	Username  string
	Content   string
	At        time.Time
	resolved  bool // set once a moderation event has claimed this entry
}

// ChannelHistoryWindow is a fixed-capacity ring of the most recent raw
// messages for one channel. It exists purely to let CLEARCHAT (which only
// carries a banned username, not message ids) and CLEARMSG (which carries
// a single message id) resolve which stored rows a moderation event
// targets, mirroring hammertrack-tracker's per-channel history buffer.
type ChannelHistoryWindow struct {
	entries []historyEntry
}

// NewChannelHistoryWindow creates an empty window.
func NewChannelHistoryWindow() *ChannelHistoryWindow {
	return &ChannelHistoryWindow{entries: make([]historyEntry, 0, MaxHistory)}
}

// Append records a newly seen message, evicting the oldest entry if the
// window is at capacity.
func (w *ChannelHistoryWindow) Append(e historyEntry) {
	if len(w.entries) >= MaxHistory {
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, e)
}

// ResolveByMessageID finds and marks-resolved the entry with the given
// message id, for a CLEARMSG event. Returns the message id to delete plus
// ok=false if no unresolved match exists.
func (w *ChannelHistoryWindow) ResolveByMessageID(messageID string) (string, bool) {
	for i := range w.entries {
		e := &w.entries[i]
		if e.MessageID == messageID && !e.resolved {
			e.resolved = true
			return e.MessageID, true
		}
	}
	return "", false
}

// ResolveByUsername marks-resolved every unresolved entry for a username,
// for a CLEARCHAT ban/timeout event, returning their user id if any were
// found (Twitch bans carry a username, but deletion happens by user id
// against the store).
func (w *ChannelHistoryWindow) ResolveByUsername(username string) (userID string, found bool) {
	for i := range w.entries {
		e := &w.entries[i]
		if e.Username == username && !e.resolved {
			e.resolved = true
			userID = e.UserID
			found = true
		}
	}
	return userID, found
}
