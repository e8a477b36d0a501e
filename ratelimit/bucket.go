package ratelimit

import (
	"encoding/json"
	"math"
	"time"
)

type tokenBucket struct {
	capacity int
	rate     float64
}

type tokenState struct {
	Tokens float64 `json:"k"`
	Last   int64   `json:"l"`
}

func (b tokenBucket) apply(raw []byte, now time.Time, cost int) ([]byte, time.Duration, Decision, error) {
	st := tokenState{Tokens: float64(b.capacity), Last: now.UnixNano()}
	if raw != nil {
		if err := decodeState(raw, &st); err != nil {
			return nil, 0, Decision{}, err
		}
		elapsed := now.Sub(time.Unix(0, st.Last)).Seconds()
		if elapsed > 0 {
			st.Tokens = math.Min(float64(b.capacity), st.Tokens+elapsed*b.rate)
		}
		st.Last = now.UnixNano()
	}
	if st.Tokens < 0 {
		st.Tokens = 0
	}

	d := Decision{Limit: b.capacity, Remaining: int(math.Floor(st.Tokens))}
	need := float64(cost)
	if cost == 0 {
		need = 1
	}
	if st.Tokens < need {
		d.RetryAfter = seconds((need - st.Tokens) / b.rate)
		return nil, 0, d, nil
	}
	if cost == 0 {
		d.Allowed = true
		return nil, 0, d, nil
	}

	st.Tokens -= need
	next, err := json.Marshal(st)
	if err != nil {
		return nil, 0, Decision{}, err
	}
	d.Allowed = true
	d.Remaining = int(math.Floor(st.Tokens))
	// once full again the state is indistinguishable from absent
	ttl := seconds((float64(b.capacity) - st.Tokens) / b.rate)
	return next, minTTL(ttl + time.Second), d, nil
}

type leakyBucket struct {
	capacity int
	rate     float64
}

type leakyState struct {
	Level float64 `json:"q"`
	Last  int64   `json:"l"`
}

func (b leakyBucket) apply(raw []byte, now time.Time, cost int) ([]byte, time.Duration, Decision, error) {
	st := leakyState{Last: now.UnixNano()}
	if raw != nil {
		if err := decodeState(raw, &st); err != nil {
			return nil, 0, Decision{}, err
		}
		elapsed := now.Sub(time.Unix(0, st.Last)).Seconds()
		if elapsed > 0 {
			st.Level = math.Max(0, st.Level-elapsed*b.rate)
		}
		st.Last = now.UnixNano()
	}

	d := Decision{Limit: b.capacity, Remaining: int(math.Floor(float64(b.capacity) - st.Level))}
	need := float64(cost)
	if cost == 0 {
		need = 1
	}
	if st.Level+need > float64(b.capacity) {
		d.RetryAfter = seconds((st.Level + need - float64(b.capacity)) / b.rate)
		return nil, 0, d, nil
	}
	if cost == 0 {
		d.Allowed = true
		return nil, 0, d, nil
	}

	st.Level += need
	next, err := json.Marshal(st)
	if err != nil {
		return nil, 0, Decision{}, err
	}
	d.Allowed = true
	d.Remaining = int(math.Floor(float64(b.capacity) - st.Level))
	return next, minTTL(seconds(st.Level/b.rate) + time.Second), d, nil
}
