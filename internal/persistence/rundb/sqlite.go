// Package rundb maintains the queryable sqlite index of a simulation
// run: run metadata, per-day reports and individual infection events.
// The JSONL event logs remain the source of truth; the index exists for
// ad-hoc queries and the observer bootstrap.
package rundb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/scenario"
)

type RunDB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropReportTotal    atomic.Uint64
	dropInfectionTotal atomic.Uint64
}

type reqKind int

const (
	reqReport reqKind = iota + 1
	reqInfection
)

type req struct {
	kind reqKind

	runID     string
	report    protocol.DayReport
	infection protocol.InfectionEvent
}

func Open(path string) (*RunDB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &RunDB{
		db: db,
		// Infection events burst at the height of a wave; the buffer
		// absorbs that without stalling the day loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			seed INTEGER NOT NULL,
			start_date TEXT NOT NULL,
			days INTEGER NOT NULL,
			sample_size REAL NOT NULL,
			calibration_parameter REAL NOT NULL,
			params_digest TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS day_reports (
			run_id TEXT NOT NULL,
			day INTEGER NOT NULL,
			date TEXT NOT NULL,
			susceptible INTEGER NOT NULL,
			infected_not_contagious INTEGER NOT NULL,
			contagious INTEGER NOT NULL,
			showing_symptoms INTEGER NOT NULL,
			seriously_sick INTEGER NOT NULL,
			critical INTEGER NOT NULL,
			recovered INTEGER NOT NULL,
			new_infections INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, day)
		);`,
		`CREATE TABLE IF NOT EXISTS infections (
			run_id TEXT NOT NULL,
			day INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			time REAL NOT NULL,
			infector TEXT NOT NULL,
			infected TEXT NOT NULL,
			infection_type TEXT NOT NULL,
			container_id TEXT NOT NULL,
			container_kind TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, day, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_infections_infector ON infections(run_id, infector, day);`,
		`CREATE INDEX IF NOT EXISTS idx_infections_type ON infections(run_id, infection_type, day);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *RunDB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RegisterRun records the run's identity and configuration. Synchronous:
// the caller needs the row to exist before the first report arrives.
func (s *RunDB) RegisterRun(runID string, sc scenario.Scenario, paramsDigest string) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO runs(run_id,scenario,seed,start_date,days,sample_size,calibration_parameter,params_digest,created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		runID, sc.Name, sc.Seed, sc.StartDate, sc.Days, sc.SampleSize, sc.CalibrationParameter, paramsDigest, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *RunDB) WriteReport(runID string, rep protocol.DayReport) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqReport, runID: runID, report: rep}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropReportTotal.Add(1)
	}
	return nil
}

func (s *RunDB) WriteInfection(runID string, ev protocol.InfectionEvent) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqInfection, runID: runID, infection: ev}:
	default:
		s.dropInfectionTotal.Add(1)
	}
	return nil
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	DropReportTotal    uint64
	DropInfectionTotal uint64
}

func (s *RunDB) Stats() Stats {
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropReportTotal:    s.dropReportTotal.Load(),
		DropInfectionTotal: s.dropInfectionTotal.Load(),
	}
}

func (s *RunDB) loop() {
	ctx := context.Background()

	insertReport, _ := s.db.Prepare(`INSERT OR REPLACE INTO day_reports(run_id,day,date,susceptible,infected_not_contagious,contagious,showing_symptoms,seriously_sick,critical,recovered,new_infections,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertInfection, _ := s.db.Prepare(`INSERT OR REPLACE INTO infections(run_id,day,seq,time,infector,infected,infection_type,container_id,container_kind,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertReport != nil {
			_ = insertReport.Close()
		}
		if insertInfection != nil {
			_ = insertInfection.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second

		lastInfectionDay = -1
		infectionSeq     int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqReport:
			rep := r.report
			raw, _ := json.Marshal(rep)
			if insertReport != nil {
				if _, err := tx.Stmt(insertReport).Exec(
					r.runID,
					rep.Day,
					rep.Date,
					rep.Susceptible,
					rep.InfectedButNotContagious,
					rep.Contagious,
					rep.ShowingSymptoms,
					rep.SeriouslySick,
					rep.Critical,
					rep.Recovered,
					rep.NewInfections,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqInfection:
			ev := r.infection
			if ev.Day != lastInfectionDay {
				lastInfectionDay = ev.Day
				infectionSeq = 0
			}
			seq := infectionSeq
			infectionSeq++
			raw, _ := json.Marshal(ev)
			if insertInfection != nil {
				if _, err := tx.Stmt(insertInfection).Exec(
					r.runID,
					ev.Day,
					seq,
					ev.Time,
					ev.Infector,
					ev.Infected,
					ev.InfectionType,
					ev.ContainerID,
					ev.ContainerKind,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
