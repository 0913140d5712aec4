// Package pacing keeps an advisory, cross-process view of how many upstream
// calls happened inside a sliding window. It never delays a request.
package pacing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// State is the shared sliding-window record. Timestamps are unix milliseconds
// in insertion order.
type State struct {
	RequestTimestamps []int64 `json:"requestTimestamps"`
	LastRequestTime   int64   `json:"lastRequestTime"`
	IsLimited         bool    `json:"isLimited"`
	RetryAfter        *int64  `json:"retryAfter,omitempty"`
	LimitedAt         int64   `json:"limitedAt,omitempty"`
}

// Snapshot is a State plus the store version it was read at.
type Snapshot struct {
	State   State
	Version int64
}

type record struct {
	State
	Version int64 `json:"version"`
}

func (s State) clone() State {
	cp := s
	cp.RequestTimestamps = append([]int64(nil), s.RequestTimestamps...)
	if s.RetryAfter != nil {
		v := *s.RetryAfter
		cp.RetryAfter = &v
	}
	return cp
}

// Prune drops timestamps at or before now-window and clears a limit whose
// retry hint has elapsed.
func (s *State) Prune(now time.Time, window time.Duration) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	kept := s.RequestTimestamps[:0]
	for _, ts := range s.RequestTimestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		kept = []int64{}
	}
	s.RequestTimestamps = kept

	if s.IsLimited && s.RetryAfter != nil {
		since := s.LimitedAt
		if since == 0 {
			since = s.LastRequestTime
		}
		if since > 0 && nowMs >= since+*s.RetryAfter {
			s.clearLimit()
		}
	}
}

func (s *State) clearLimit() {
	s.IsLimited = false
	s.RetryAfter = nil
	s.LimitedAt = 0
}

func encodeRecord(snap Snapshot) ([]byte, error) {
	st := snap.State
	if st.RequestTimestamps == nil {
		st.RequestTimestamps = []int64{}
	}
	return json.Marshal(record{State: st, Version: snap.Version})
}

// decodeRecord parses a stored record. Records written by the older fixed
// window format (requestCount/windowStart) start over with an empty window but
// keep their last request time and limit flags.
func decodeRecord(b []byte) (Snapshot, error) {
	if !gjson.ValidBytes(b) {
		return Snapshot{}, fmt.Errorf("pacing record is not valid JSON")
	}
	doc := gjson.ParseBytes(b)
	if doc.Get("requestCount").Exists() && doc.Get("windowStart").Exists() {
		st := State{
			RequestTimestamps: []int64{},
			LastRequestTime:   doc.Get("lastRequestTime").Int(),
			IsLimited:         doc.Get("isLimited").Bool(),
		}
		if ra := doc.Get("retryAfter"); ra.Exists() && ra.Type == gjson.Number {
			v := ra.Int()
			st.RetryAfter = &v
		}
		return Snapshot{State: st, Version: doc.Get("version").Int()}, nil
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decode pacing record: %w", err)
	}
	if rec.RequestTimestamps == nil {
		rec.RequestTimestamps = []int64{}
	}
	return Snapshot{State: rec.State, Version: rec.Version}, nil
}
