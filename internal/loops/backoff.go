package loops

import "time"

// Backoff returns the wait before retry number attempt+1, doubling from
// baseMs and capping at maxMs. attempt counts completed failures, so the
// first retry waits baseMs.
func Backoff(attempt, baseMs, maxMs int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := int64(baseMs)
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= int64(maxMs) {
			ms = int64(maxMs)
			break
		}
	}
	if ms > int64(maxMs) {
		ms = int64(maxMs)
	}
	return time.Duration(ms) * time.Millisecond
}
