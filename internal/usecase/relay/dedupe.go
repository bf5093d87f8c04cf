package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// dedupeRetention is how long a pushed message's fingerprint is remembered.
const dedupeRetention = 10 * time.Minute

// Deduplicator suppresses re-pushing messages already delivered to the
// store within the retention window. The fingerprint covers everything that
// makes a message distinct; two legitimate identical texts in the same
// session at different timestamps hash differently. There is no background
// sweeper: callers Prune before each push batch.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]time.Time)}
}

// Fingerprint returns the dedupe key for a message.
func Fingerprint(msg domain.Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", msg.SessionKey, msg.Role, msg.Content, msg.Timestamp.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndMark reports whether the message was already seen within the
// retention window. The time is recorded only for messages actually let
// through; a suppressed duplicate does not extend its own window.
func (d *Deduplicator) CheckAndMark(msg domain.Message) bool {
	key := Fingerprint(msg)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupeRetention {
		return true
	}
	d.seen[key] = now
	return false
}

// Prune evicts fingerprints older than the retention window.
func (d *Deduplicator) Prune() {
	cutoff := time.Now().Add(-dedupeRetention)
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

// Len reports the number of retained fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
