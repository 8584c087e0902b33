// SPDX-License-Identifier: AGPL-3.0-or-later
package telemetry

import (
	"slices"
	"sync"
	"time"
)

// TSValue is a single numeric or small-struct time series value
// (machine position component, buffer-in-use count, feed override...).
type TSValue interface{}

type tsEntry struct {
	t int64 // unix nanoseconds
	v TSValue
}

// TSDB is a multi-key time series store, queried by periodic sampling
// rather than interpolation, grounded on the teacher's ts_db.go.
type TSDB struct {
	mu   sync.RWMutex
	data map[string][]tsEntry // sorted by t ascending
}

func NewTSDB() *TSDB {
	return &TSDB{data: make(map[string][]tsEntry)}
}

// Insert adds a data point. If (key, time) exactly matches an existing
// point, it is overwritten. O(log N) amortized when time is newer than
// the previous Insert for key; O(N) otherwise.
func (db *TSDB) Insert(key string, tm time.Time, value TSValue) {
	db.mu.Lock()
	defer db.mu.Unlock()

	newE := tsEntry{t: tm.UnixNano(), v: value}
	entries, ok := db.data[key]
	if !ok {
		db.data[key] = []tsEntry{newE}
		return
	}

	if newE.t > entries[len(entries)-1].t {
		db.data[key] = append(entries, newE)
		return
	}

	i, found := slices.BinarySearchFunc(entries, newE.t, func(e tsEntry, t int64) int {
		switch {
		case e.t < t:
			return -1
		case e.t > t:
			return 1
		default:
			return 0
		}
	})
	if found {
		entries[i] = newE
	} else {
		db.data[key] = slices.Insert(entries, i, newE)
	}
}

func sampleTimes(start, end, step int64) []int64 {
	res := []int64{}
	for curr := start; curr <= end; curr += step {
		res = append(res, curr)
	}
	return res
}

// findLatestInWindow returns the latest entry with t in [start, end], or
// nil if none exists. O(log N).
func findLatestInWindow(start, end int64, sortedData []tsEntry) *tsEntry {
	i, _ := slices.BinarySearchFunc(sortedData, end, func(e tsEntry, t int64) int {
		switch {
		case e.t < t:
			return -1
		case e.t > t:
			return 1
		default:
			return 0
		}
	})
	i = min(i, len(sortedData)-1)
	for i >= 0 {
		t := sortedData[i].t
		if start <= t && t <= end {
			return &sortedData[i]
		}
		if t < start {
			return nil
		}
		i--
	}
	return nil
}

// QueryRanges samples each key at start + step*0, start + step*1, ...
// up to the last timestamp <= end. For each sample T, it returns the
// latest original data point in the window [T-step, T], or nil if none
// exists; it never interpolates between samples.
//
// O(log N * K * S): N points per key, K keys, S sample timestamps.
func (db *TSDB) QueryRanges(keys []string, start, end time.Time, step time.Duration) ([]time.Time, map[string][]TSValue) {
	sampleTs := sampleTimes(start.UnixNano(), end.UnixNano(), step.Nanoseconds())

	db.mu.RLock()
	defer db.mu.RUnlock()

	tms := make([]time.Time, len(sampleTs))
	for i, t := range sampleTs {
		tms[i] = time.Unix(0, t)
	}

	valsMap := make(map[string][]TSValue)
	for _, key := range keys {
		valsMap[key] = make([]TSValue, len(sampleTs))
		entries, ok := db.data[key]
		if !ok {
			continue
		}
		for i, t := range sampleTs {
			if e := findLatestInWindow(t-step.Nanoseconds(), t, entries); e != nil {
				valsMap[key][i] = e.v
			}
		}
	}
	return tms, valsMap
}
