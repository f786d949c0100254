// Package prune implements the retention selection algorithm: given a
// group's snapshots and a set of keep counts, decide which snapshots to
// keep and which to remove.
//
// The algorithm is five independent bucketing passes (last, hourly,
// daily, weekly, monthly, yearly is really six, see below) each walking
// the snapshot list newest-first and keeping the newest snapshot in each
// of the first keep_X distinct time buckets. A snapshot survives if any
// pass keeps it: the final decision is the union of what each pass
// keeps, rather than a union of what each pass flags for deletion.
// Composing by keep-union rather than delete-union is the natural
// shape once "kept" is each pass's affirmative output rather than
// "flagged", with every pass voting Keep independently.
package prune

import (
	"sort"
	"time"
)

// KeepOptions controls how many distinct buckets of each granularity to
// retain. A nil field and a zero (or negative) field are treated the
// same: that pass is skipped and keeps nothing.
type KeepOptions struct {
	Last    *int
	Hourly  *int
	Daily   *int
	Weekly  *int
	Monthly *int
	Yearly  *int
}

// isEmpty reports whether every pass is unset or explicitly zero,
// meaning the engine should keep everything rather than fall through
// each pass's no-op into Remove.
func (k KeepOptions) isEmpty() bool {
	for _, n := range []*int{k.Last, k.Hourly, k.Daily, k.Weekly, k.Monthly, k.Yearly} {
		if n != nil && *n > 0 {
			return false
		}
	}
	return true
}

// Decision is the per-snapshot outcome of a prune pass.
type Decision int

const (
	Remove Decision = iota
	Keep
)

// Entry is one snapshot under consideration.
type Entry struct {
	Time     time.Time
	Finished bool // false for a snapshot with no sealed manifest
}

// Plan maps each input snapshot (by its original index) to a decision.
type Plan struct {
	Decisions []Decision
}

// Select runs the five-pass algorithm against entries, which must be
// sorted newest-first. It never reorders or mutates entries. If every
// KeepOptions field is nil or zero, the engine keeps everything (a no-op
// retention policy).
func Select(entries []Entry, keep KeepOptions) Plan {
	n := len(entries)

	if keep.isEmpty() {
		decisions := make([]Decision, n)
		for i := range decisions {
			decisions[i] = Keep
		}
		return Plan{Decisions: decisions}
	}

	kept := make([]bool, n)

	applyLast(entries, kept, keep.Last)
	applyBucketed(entries, kept, keep.Hourly, hourBucket)
	applyBucketed(entries, kept, keep.Daily, dayBucket)
	applyBucketed(entries, kept, keep.Weekly, weekBucket)
	applyBucketed(entries, kept, keep.Monthly, monthBucket)
	applyBucketed(entries, kept, keep.Yearly, yearBucket)

	decisions := make([]Decision, n)
	for i, e := range entries {
		switch {
		case !e.Finished && i != 0:
			decisions[i] = Remove
		case !e.Finished && i == 0:
			decisions[i] = Keep
		case kept[i]:
			decisions[i] = Keep
		default:
			decisions[i] = Remove
		}
	}
	return Plan{Decisions: decisions}
}

func applyLast(entries []Entry, kept []bool, n *int) {
	if n == nil || *n <= 0 {
		return
	}
	limit := *n
	for i := range entries {
		if i >= limit {
			return
		}
		kept[i] = true
	}
}

// applyBucketed keeps the newest entry in each of the first n distinct
// buckets produced by keyOf, walking newest-first so the first member
// seen for a bucket is the newest (tie-breaking: newer wins).
func applyBucketed(entries []Entry, kept []bool, n *int, keyOf func(time.Time) string) {
	if n == nil || *n <= 0 {
		return
	}
	limit := *n
	seen := make(map[string]bool, limit)
	for i, e := range entries {
		if len(seen) >= limit {
			break
		}
		key := keyOf(e.Time)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept[i] = true
	}
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

func dayBucket(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func weekBucket(t time.Time) string {
	year, week := t.Local().ISOWeek()
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006") + "-W" + itoa2(week)
}

func monthBucket(t time.Time) string {
	return t.Local().Format("2006-01")
}

func yearBucket(t time.Time) string {
	return t.Local().Format("2006")
}

func itoa2(n int) string {
	if n < 10 {
		return "0" + string(rune('0'+n))
	}
	digits := []byte{byte('0' + n/10), byte('0' + n%10)}
	return string(digits)
}

// SortNewestFirst is a convenience for callers (e.g. those consuming
// snapshot.List, which already returns newest-first, but also usable on
// lists assembled out of order) that orders entries by time descending.
func SortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Time.After(entries[j].Time) })
}
