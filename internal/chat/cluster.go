package chat

import (
	"sort"
	"time"
)

// Location is the side a cluster is drawn on.
type Location string

const (
	Left  Location = "left"
	Right Location = "right"
)

// Cluster is a run of same-day messages.
type Cluster struct {
	Location Location
	Messages []Message
}

func locationOf(m Message) Location {
	if m.Meta().Mine {
		return Right
	}
	return Left
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// BuildClusters sorts msgs by timestamp (ties keep input order) and splits
// them on calendar-day changes in loc. Sender changes within a day do not
// split a cluster; its location comes from its first message.
func BuildClusters(msgs []Message, loc *time.Location) []Cluster {
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Meta().Timestamp.Before(sorted[j].Meta().Timestamp)
	})

	var (
		clusters []Cluster
		batch    []Message
	)
	seal := func() {
		if len(batch) == 0 {
			return
		}
		clusters = append(clusters, Cluster{Location: locationOf(batch[0]), Messages: batch})
		batch = nil
	}
	for i, m := range sorted {
		if i > 0 && !sameDay(sorted[i-1].Meta().Timestamp, m.Meta().Timestamp, loc) {
			seal()
		}
		batch = append(batch, m)
	}
	seal()
	return clusters
}

// AppendLocal adds a just-composed message: onto the last cluster when that
// cluster is on the right and its last message is from the same day, else as
// a new cluster. The input slice is not modified.
func AppendLocal(clusters []Cluster, msg Message, loc *time.Location) []Cluster {
	if loc == nil {
		loc = time.Local
	}
	out := append([]Cluster(nil), clusters...)
	if n := len(out); n > 0 {
		last := out[n-1]
		tail := last.Messages[len(last.Messages)-1]
		if last.Location == Right && sameDay(tail.Meta().Timestamp, msg.Meta().Timestamp, loc) {
			msgs := make([]Message, 0, len(last.Messages)+1)
			msgs = append(msgs, last.Messages...)
			out[n-1] = Cluster{Location: Right, Messages: append(msgs, msg)}
			return out
		}
	}
	return append(out, Cluster{Location: locationOf(msg), Messages: []Message{msg}})
}

// Equivalent reports whether two clusters hold the same message ids,
// regardless of order or content.
func (c Cluster) Equivalent(o Cluster) bool {
	if len(c.Messages) != len(o.Messages) {
		return false
	}
	ids := make(map[string]int, len(c.Messages))
	for _, m := range c.Messages {
		ids[m.Meta().ID]++
	}
	for _, m := range o.Messages {
		id := m.Meta().ID
		if ids[id] == 0 {
			return false
		}
		ids[id]--
	}
	return true
}

// EquivalentClusters compares cluster lists pairwise with Equivalent.
func EquivalentClusters(a, b []Cluster) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equivalent(b[i]) {
			return false
		}
	}
	return true
}
