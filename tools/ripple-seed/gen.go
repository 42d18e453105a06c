package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/civicstream/ripple/event"
)

var (
	issues = []string{
		"Pothole", "Broken streetlight", "Graffiti", "Fallen branch",
		"Missed trash pickup", "Flooded underpass", "Damaged crosswalk sign",
		"Abandoned vehicle",
	}
	streets = []string{
		"Oak Street", "5th Avenue", "Riverside Drive", "Elm Court",
		"Union Square", "Highland Road", "Cedar Lane", "Market Street",
	}
	statuses = []string{"open", "triaged", "in_progress", "resolved", "closed"}
	bodies   = []string{
		"Still there this morning.", "City crew on site.",
		"Worse after the rain.", "Marked with cones now.",
		"Resolved as of today.", "Please prioritize, near a school.",
	}
)

// generator produces a plausible civic-portal change stream: mostly
// inserts, with updates and deletes drawn from rows it created earlier.
// A fixed seed reproduces the same row and operation sequence;
// timestamps still track the wall clock.
type generator struct {
	rng    *rand.Rand
	tables []string
	seq    uint64
	nextID map[string]int64
	ids    map[string][]int64
	rows   map[string]map[int64]event.Row
}

func newGenerator(seed int64, tables []string) *generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &generator{
		rng:    rand.New(rand.NewSource(seed)),
		tables: tables,
		nextID: make(map[string]int64),
		ids:    make(map[string][]int64),
		rows:   make(map[string]map[int64]event.Row),
	}
}

func (g *generator) next() event.Change {
	table := g.tables[g.rng.Intn(len(g.tables))]
	g.seq++

	roll := g.rng.Intn(100)
	switch {
	case len(g.ids[table]) == 0 || roll < 60:
		return g.insert(table)
	case roll < 90:
		return g.update(table)
	default:
		return g.remove(table)
	}
}

func (g *generator) insert(table string) event.Change {
	id := g.nextID[table] + 1
	g.nextID[table] = id

	row := g.newRow(table, id)
	if g.rows[table] == nil {
		g.rows[table] = make(map[int64]event.Row)
	}
	g.rows[table][id] = row
	g.ids[table] = append(g.ids[table], id)

	return g.change(table, event.OpInsert, nil, row)
}

func (g *generator) update(table string) event.Change {
	id := g.pick(table)
	old := g.rows[table][id]
	updated := g.mutate(table, old)
	g.rows[table][id] = updated

	return g.change(table, event.OpUpdate, old, updated)
}

func (g *generator) remove(table string) event.Change {
	ids := g.ids[table]
	i := g.rng.Intn(len(ids))
	id := ids[i]

	old := g.rows[table][id]
	delete(g.rows[table], id)
	ids[i] = ids[len(ids)-1]
	g.ids[table] = ids[:len(ids)-1]

	return g.change(table, event.OpDelete, old, nil)
}

func (g *generator) change(table string, op event.Op, oldRow, newRow event.Row) event.Change {
	return event.Change{
		Table:    table,
		Op:       op,
		OldRow:   oldRow,
		NewRow:   newRow,
		CommitTS: time.Now().UnixMilli(),
		Seq:      g.seq,
	}
}

// pick returns a random live row id. next falls back to insert when a
// table has none, so callers always see a non-empty slice.
func (g *generator) pick(table string) int64 {
	ids := g.ids[table]
	return ids[g.rng.Intn(len(ids))]
}

func (g *generator) newRow(table string, id int64) event.Row {
	switch table {
	case "reports":
		return event.Row{
			"id":       id,
			"title":    fmt.Sprintf("%s on %s", g.pickStr(issues), g.pickStr(streets)),
			"status":   "open",
			"severity": int64(g.rng.Intn(5) + 1),
			"reporter": g.userID(),
		}
	case "comments":
		return event.Row{
			"id":        id,
			"report_id": g.reportRef(id),
			"author":    g.userID(),
			"body":      g.pickStr(bodies),
		}
	case "votes":
		return event.Row{
			"id":        id,
			"report_id": g.reportRef(id),
			"voter":     g.userID(),
			"weight":    g.voteWeight(),
		}
	default:
		return event.Row{
			"id":     id,
			"status": "open",
			"note":   fmt.Sprintf("%s row %d", table, id),
		}
	}
}

func (g *generator) mutate(table string, old event.Row) event.Row {
	updated := make(event.Row, len(old))
	for col, val := range old {
		updated[col] = val
	}

	switch table {
	case "reports":
		updated["status"] = g.pickStr(statuses)
		if g.rng.Intn(2) == 0 {
			updated["severity"] = int64(g.rng.Intn(5) + 1)
		}
	case "comments":
		updated["body"] = g.pickStr(bodies)
	case "votes":
		updated["weight"] = g.voteWeight()
	default:
		updated["status"] = g.pickStr(statuses)
	}
	return updated
}

// reportRef points comments and votes at a live report when one exists,
// falling back to the row's own id when reports are not being seeded.
func (g *generator) reportRef(fallback int64) int64 {
	if reports := g.ids["reports"]; len(reports) > 0 {
		return reports[g.rng.Intn(len(reports))]
	}
	return fallback
}

func (g *generator) pickStr(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *generator) userID() string {
	return fmt.Sprintf("user-%03d", g.rng.Intn(400)+1)
}

func (g *generator) voteWeight() int64 {
	return int64(g.rng.Intn(2)*2 - 1)
}

// seedKey derives the broker message key from the surviving row image,
// keeping every change for one row on the same partition.
func seedKey(ev event.Change) string {
	return fmt.Sprintf("%s/%v", ev.Table, ev.Record()["id"])
}
