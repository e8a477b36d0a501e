package ratelimit

import (
	"encoding/json"
	"time"
)

type fixedWindow struct {
	capacity int
	window   time.Duration
}

type fixedState struct {
	Count int   `json:"c"`
	Start int64 `json:"s"`
}

func (f fixedWindow) apply(raw []byte, now time.Time, cost int) ([]byte, time.Duration, Decision, error) {
	var st fixedState
	if err := decodeState(raw, &st); err != nil {
		return nil, 0, Decision{}, err
	}

	start := now.Truncate(f.window)
	end := start.Add(f.window)
	if st.Start != start.UnixNano() {
		st = fixedState{Start: start.UnixNano()}
	}

	d := Decision{Limit: f.capacity, Remaining: f.capacity - st.Count}
	if cost == 0 {
		if d.Remaining <= 0 {
			d.RetryAfter = end.Sub(now)
		}
		d.Allowed = d.Remaining > 0
		return nil, 0, d, nil
	}
	if st.Count+cost > f.capacity {
		d.RetryAfter = end.Sub(now)
		return nil, 0, d, nil
	}

	st.Count += cost
	next, err := json.Marshal(st)
	if err != nil {
		return nil, 0, Decision{}, err
	}
	d.Allowed = true
	d.Remaining = f.capacity - st.Count
	return next, minTTL(end.Sub(now)), d, nil
}

type slidingWindow struct {
	capacity int
	window   time.Duration
}

type hit struct {
	At   int64 `json:"t"`
	Cost int   `json:"n"`
}

type slidingState struct {
	Hits []hit `json:"h"`
}

func (s slidingWindow) apply(raw []byte, now time.Time, cost int) ([]byte, time.Duration, Decision, error) {
	var st slidingState
	if err := decodeState(raw, &st); err != nil {
		return nil, 0, Decision{}, err
	}

	cutoff := now.Add(-s.window).UnixNano()
	live := st.Hits[:0]
	used := 0
	for _, h := range st.Hits {
		if h.At > cutoff {
			live = append(live, h)
			used += h.Cost
		}
	}
	st.Hits = live

	d := Decision{Limit: s.capacity, Remaining: s.capacity - used}
	need := cost
	if need == 0 {
		need = 1
	}
	if used+need > s.capacity {
		d.RetryAfter = s.retryAfter(st.Hits, used, need, now)
		if cost == 0 {
			d.Allowed = false
		}
		return nil, 0, d, nil
	}
	if cost == 0 {
		d.Allowed = true
		return nil, 0, d, nil
	}

	st.Hits = append(st.Hits, hit{At: now.UnixNano(), Cost: cost})
	next, err := json.Marshal(st)
	if err != nil {
		return nil, 0, Decision{}, err
	}
	d.Allowed = true
	d.Remaining = s.capacity - used - cost
	return next, minTTL(s.window), d, nil
}

// retryAfter is the time until enough of the oldest hits leave the window
// for need units to fit.
func (s slidingWindow) retryAfter(hits []hit, used, need int, now time.Time) time.Duration {
	freed := 0
	for _, h := range hits {
		freed += h.Cost
		if used-freed+need <= s.capacity {
			wait := time.Unix(0, h.At).Add(s.window).Sub(now)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return s.window
}
