package transport

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/gobwas/glob"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/mux"
)

const (
	changelogTable = "ripple_changelog"

	// Rows read per poll cycle
	changelogBatchSize = 256
)

func init() {
	mux.RegisterTransport("sqlite", func(config cfg.TransportConfiguration) (mux.Transport, error) {
		if config.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite transport requires sqlite_path")
		}
		return NewSQLiteTransport(config)
	})
}

// SQLiteTransport polls a changelog table for embedded deployments where
// the portal writes changes into the same SQLite file its watchers read.
// One poll loop serves every channel; rows fan out through each channel's
// spec matcher in sequence order.
//
// The poller starts at the current end of the changelog, so channels tail
// live changes only.
type SQLiteTransport struct {
	db     *sql.DB
	gq     *goqu.Database
	decode DecodeFunc

	trackGlobs []glob.Glob
	pollEvery  time.Duration

	mu       sync.Mutex
	channels map[*sqliteChannel]struct{}
	lastSeq  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

type sqliteChannel struct {
	transport *SQLiteTransport
	matcher   *specMatcher
	handlers  mux.Handlers
}

type changelogRow struct {
	Seq     int64  `db:"seq"`
	Table   string `db:"tbl"`
	Op      uint8  `db:"op"`
	Payload []byte `db:"payload"`
}

// NewSQLiteTransport opens the changelog database and starts the poll
// loop at the current end of the log.
func NewSQLiteTransport(config cfg.TransportConfiguration) (*SQLiteTransport, error) {
	decode, err := DecoderFor(config.Format)
	if err != nil {
		return nil, err
	}

	trackGlobs := make([]glob.Glob, 0, len(config.TrackTables))
	for _, pattern := range config.TrackTables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid track_tables pattern %q: %w", pattern, err)
		}
		trackGlobs = append(trackGlobs, g)
	}

	db, err := sql.Open("sqlite3", config.SQLitePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open changelog database: %w", err)
	}

	if err := EnsureChangelogSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	t := &SQLiteTransport{
		db:         db,
		gq:         goqu.New("sqlite3", db),
		decode:     decode,
		trackGlobs: trackGlobs,
		pollEvery:  time.Duration(config.PollIntervalMS) * time.Millisecond,
		channels:   make(map[*sqliteChannel]struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if err := t.seekEnd(); err != nil {
		db.Close()
		return nil, err
	}

	go t.pollLoop()

	return t, nil
}

// EnsureChangelogSchema creates the changelog table when missing. The
// portal's writer side calls this too, so either end can run first.
func EnsureChangelogSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + changelogTable + ` (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl        TEXT NOT NULL,
		op         INTEGER NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	)`)
	if err != nil {
		return fmt.Errorf("unable to create changelog table: %w", err)
	}
	return nil
}

// AppendChangelog inserts one encoded change. The portal's write path and
// tests use this; the transport itself only reads.
func AppendChangelog(db *sql.DB, table string, op uint8, payload []byte) error {
	insert, args, err := goqu.Dialect("sqlite3").
		Insert(changelogTable).
		Cols("tbl", "op", "payload").
		Vals(goqu.Vals{table, op, payload}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("unable to build changelog insert: %w", err)
	}
	if _, err := db.Exec(insert, args...); err != nil {
		return fmt.Errorf("unable to append changelog row: %w", err)
	}
	return nil
}

// Open registers a channel with the shared poll loop.
func (t *SQLiteTransport) Open(spec mux.Spec, h mux.Handlers) (mux.Channel, error) {
	if !t.tracked(spec.Table) {
		return nil, fmt.Errorf("table %s is not tracked by this changelog", spec.Table)
	}

	matcher, err := newSpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	ch := &sqliteChannel{transport: t, matcher: matcher, handlers: h}
	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	go h.OnState(mux.StateSubscribed, nil)

	return ch, nil
}

// Close stops the poll loop and closes the database.
func (t *SQLiteTransport) Close() error {
	close(t.stopCh)
	<-t.doneCh
	return t.db.Close()
}

func (t *SQLiteTransport) tracked(table string) bool {
	if len(t.trackGlobs) == 0 {
		return true
	}
	for _, g := range t.trackGlobs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

func (t *SQLiteTransport) seekEnd() error {
	var maxSeq sql.NullInt64
	query, args, err := t.gq.From(changelogTable).Select(goqu.MAX("seq")).ToSQL()
	if err != nil {
		return fmt.Errorf("unable to build changelog seek query: %w", err)
	}
	if err := t.db.QueryRow(query, args...).Scan(&maxSeq); err != nil {
		return fmt.Errorf("unable to read changelog position: %w", err)
	}
	t.lastSeq = maxSeq.Int64
	return nil
}

func (t *SQLiteTransport) pollLoop() {
	defer close(t.doneCh)

	for {
		select {
		case <-t.stopCh:
			return
		default:
			delivered, err := t.poll()
			if err != nil {
				log.Warn().Err(err).Int64("last_seq", t.lastSeq).Msg("Changelog poll failed")
				t.sleep(t.pollEvery)
				continue
			}
			if delivered == 0 {
				t.sleep(t.pollEvery)
			}
		}
	}
}

// poll reads rows past the cursor and fans them out in sequence order.
func (t *SQLiteTransport) poll() (int, error) {
	var rows []changelogRow
	err := t.gq.From(changelogTable).
		Select("seq", "tbl", "op", "payload").
		Where(goqu.C("seq").Gt(t.lastSeq)).
		Order(goqu.C("seq").Asc()).
		Limit(changelogBatchSize).
		ScanStructs(&rows)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		t.lastSeq = row.Seq

		ev, err := t.decode(row.Payload)
		if err != nil {
			log.Warn().Err(err).Int64("seq", row.Seq).Str("table", row.Table).
				Msg("Dropping undecodable changelog row")
			continue
		}

		t.mu.Lock()
		chans := make([]*sqliteChannel, 0, len(t.channels))
		for ch := range t.channels {
			chans = append(chans, ch)
		}
		t.mu.Unlock()

		for _, ch := range chans {
			if ch.matcher.matches(ev) && ch.handlers.OnChange != nil {
				ch.handlers.OnChange(ev)
			}
		}
	}

	return len(rows), nil
}

func (t *SQLiteTransport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Close detaches the channel from the poll loop.
func (c *sqliteChannel) Close() error {
	c.transport.mu.Lock()
	delete(c.transport.channels, c)
	c.transport.mu.Unlock()
	return nil
}
