// SPDX-License-Identifier: AGPL-3.0-or-later
package telemetry

import (
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genDate(t *rapid.T, label string) time.Time {
	min := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	max := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	return time.Unix(0, rapid.Int64Range(min, max).Draw(t, label))
}

func TestQueryShapeEmptyDB(t *testing.T) {
	db := NewTSDB()

	rapid.Check(t, func(t *rapid.T) {
		start := genDate(t, "start")
		dur := time.Duration(rapid.Int64Range(0, time.Hour.Nanoseconds()).Draw(t, "dur"))
		keys := rapid.SliceOf(rapid.String()).Draw(t, "keys")
		end := start.Add(dur)
		step := time.Minute

		tms, valsMap := db.QueryRanges(keys, start, end, step)
		if len(tms) == 0 {
			t.Fatalf("at least one timestamp is expected")
		}
		if !slices.IsSortedFunc(tms, func(a, b time.Time) int {
			return a.Compare(b)
		}) {
			t.Fatalf("timestamps are not increasing %v", tms)
		}
		for _, tm := range tms {
			if tm.Before(start) || tm.After(end) {
				t.Fatalf("timestamp %v is out of range [%v, %v]", tm, start, end)
			}
		}
		for _, key := range keys {
			_, ok := valsMap[key]
			if !ok {
				t.Fatalf("key %s not found in values", key)
			}
		}
		for key, vals := range valsMap {
			if !slices.Contains(keys, key) {
				t.Fatalf("unexpected key in values: %s", key)
			}
			if len(vals) != len(tms) {
				t.Fatalf("(key=%s) value array length didn't match: expected =%d, got %d", key, len(tms), len(vals))
			}
			for _, val := range vals {
				if val != nil {
					t.Fatalf("(key=%s) value must be nil, got %v", key, val)
				}
			}
		}
	})
}

func TestQuery(t *testing.T) {
	db := NewTSDB()
	db.Insert("a", time.Date(2000, 1, 1, 0, 0, 1, 0, time.UTC), TSValue(1))
	db.Insert("a", time.Date(2000, 1, 1, 0, 0, 4, 0, time.UTC), TSValue("v"))

	_, valsMap := db.QueryRanges([]string{"a"}, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2000, 1, 1, 0, 0, 5, 0, time.UTC), time.Second)
	expected := []TSValue{nil, TSValue(1), TSValue(1), nil, TSValue("v"), TSValue("v")}
	observed := valsMap["a"]
	if len(observed) != 6 {
		t.Fatalf("value array length didn't match: expected =%d, got %d", len(expected), len(observed))
	}
	for i := range expected {
		if observed[i] != expected[i] {
			t.Errorf("value[%d] didn't match: expected =%v, got %v", i, expected[i], observed[i])
		}
	}
}

func TestQueryOutOfOrderInsert(t *testing.T) {
	db := NewTSDB()
	rapid.Check(t, func(t *rapid.T) {
		data := []int{0, 1, 2, 3, 4, 5}
		ts := rapid.Permutation(data).Draw(t, "ts")
		for _, v := range ts {
			db.Insert("a", time.Unix(int64(v), 0), TSValue(v))
		}
		_, valsMap := db.QueryRanges([]string{"a"}, time.Unix(0, 0), time.Unix(5, 0), time.Second)

		for i, v := range valsMap["a"] {
			if i != v {
				t.Fatalf("value[%d] didn't match: expected =%v, got %v", i, i, v)
			}
		}
	})
}

func TestPSDBLatestOrder(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		db := NewPSDB[int]()
		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			db.Add("tag", i, base.Add(time.Duration(i)*time.Second))
		}
		latest := db.Latest("tag", n)
		if len(latest) != n {
			t.Fatalf("expected %d snapshots, got %d", n, len(latest))
		}
		for i, snap := range latest {
			want := n - 1 - i
			if snap.Value != want {
				t.Fatalf("snapshot[%d]: expected value %d, got %d", i, want, snap.Value)
			}
		}
	})
}

func TestLineDBQueryTailAndRange(t *testing.T) {
	db := NewLineDB()
	for i := 1; i <= 10; i++ {
		db.AddLine(i, DirUp, "line")
	}
	if got := db.Len(); got != 10 {
		t.Fatalf("Len(): expected 10, got %d", got)
	}

	tail := db.Query(QueryOptions{Scan: TailScan{N: 3}})
	if len(tail) != 3 || tail[0].Num != 8 || tail[2].Num != 10 {
		t.Fatalf("tail scan: unexpected result %+v", tail)
	}

	from, to := 3, 5
	rng := db.Query(QueryOptions{Scan: RangeScan{FromLine: &from, ToLine: &to}})
	if len(rng) != 2 || rng[0].Num != 3 || rng[1].Num != 4 {
		t.Fatalf("range scan: unexpected result %+v", rng)
	}
}

func TestLineDBFilterDir(t *testing.T) {
	db := NewLineDB()
	db.AddLine(1, DirUp, "G0 X1")
	db.AddLine(1, DirDown, "ok")
	db.AddLine(2, DirUp, "G0 X2")

	ups := db.Query(QueryOptions{FilterDir: DirUp})
	if len(ups) != 2 {
		t.Fatalf("expected 2 up lines, got %d", len(ups))
	}
	for _, l := range ups {
		if l.Dir != DirUp {
			t.Fatalf("unexpected direction in filtered result: %+v", l)
		}
	}
}
