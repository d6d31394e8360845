package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"contagion.dev/internal/persistence/eventlog"
	"contagion.dev/internal/persistence/rundb"
	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/engine"
	"contagion.dev/internal/sim/params"
	"contagion.dev/internal/sim/policy"
	"contagion.dev/internal/sim/scenario"
	"contagion.dev/internal/transport/observer"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		scenarioPath = flag.String("scenario", "", "scenario yaml path (default: <configs>/scenario.yaml)")
		schedulePath = flag.String("schedule", "", "policy schedule path (default: <configs>/schedule.json)")
		persons      = flag.Int("persons", 1000, "synthetic population size")
		dayInterval  = flag.Duration("day_interval", time.Second, "wall-clock pacing between simulated days (0 = run flat out)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simd] ", log.LstdFlags|log.Lmicroseconds)

	sp := strings.TrimSpace(*scenarioPath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scenario.yaml")
	}
	sc, err := scenario.Load(sp)
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}

	cat, err := params.Load(*configDir)
	if err != nil {
		logger.Fatalf("load params: %v", err)
	}

	shp := strings.TrimSpace(*schedulePath)
	if shp == "" {
		shp = filepath.Join(*configDir, "schedule.json")
	}
	schedule, err := policy.LoadSchedule(shp)
	if err != nil {
		logger.Fatalf("load schedule: %v", err)
	}

	runID := uuid.NewString()
	runDir := filepath.Join(*dataDir, "runs", runID)
	_ = os.MkdirAll(runDir, 0o755)
	logger.Printf("run=%s scenario=%s seed=%d days=%d persons=%d params_digest=%s",
		runID, sc.Name, sc.Seed, sc.Days, *persons, cat.Digest)

	var db *rundb.RunDB
	if !*disableDB {
		db, err = rundb.Open(filepath.Join(runDir, "run.db"))
		if err != nil {
			logger.Fatalf("open run db: %v", err)
		}
		defer db.Close()
		if err := db.RegisterRun(runID, sc, cat.Digest); err != nil {
			logger.Fatalf("register run: %v", err)
		}
	}

	infectionLog := eventlog.NewInfectionLogger(runDir)
	reportLog := eventlog.NewReportLogger(runDir)
	defer infectionLog.Close()
	defer reportLog.Close()

	feed := engine.NewSyntheticFeed(sc.Seed, *persons)
	runner, err := engine.NewRunner(sc, cat, schedule)
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}
	for _, p := range feed.Persons() {
		if err := runner.AddPerson(p); err != nil {
			logger.Fatalf("population: %v", err)
		}
	}
	runner.AddSink(&infectionSink{runID: runID, log: logger, events: infectionLog, db: db})

	obsSrv := observer.NewServer(logger)
	obsSrv.SetRunInfo(runID, sc, cat.Digest)

	ctx, cancel := signalContext()
	defer cancel()

	var latest latestReport

	done := make(chan struct{})
	go func() {
		defer close(done)
		for day := 0; day < sc.Days; day++ {
			if ctx.Err() != nil {
				return
			}
			trips, err := feed.Day(day)
			if err != nil {
				logger.Printf("day %d: feed: %v", day, err)
				return
			}
			rep, err := runner.RunDay(day, trips)
			if err != nil {
				logger.Printf("day %d: %v", day, err)
				return
			}

			if err := reportLog.WriteReport(rep); err != nil {
				logger.Printf("day %d: report log: %v", day, err)
			}
			if db != nil {
				_ = db.WriteReport(runID, rep)
			}
			latest.set(rep)
			obsSrv.Publish(rep)

			logger.Printf("day=%d date=%s new=%d susceptible=%d contagious=%d recovered=%d",
				rep.Day, rep.Date, rep.NewInfections, rep.Susceptible, rep.Contagious, rep.Recovered)

			if *dayInterval > 0 && day < sc.Days-1 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(*dayInterval):
				}
			}
		}
		logger.Printf("run complete after %d days", sc.Days)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		rep := latest.get()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP contagion_day Last completed simulation day.\n")
		fmt.Fprintf(rw, "# TYPE contagion_day gauge\n")
		fmt.Fprintf(rw, "contagion_day{run=%q} %d\n", runID, rep.Day)

		fmt.Fprintf(rw, "# HELP contagion_new_infections New infections on the last completed day.\n")
		fmt.Fprintf(rw, "# TYPE contagion_new_infections gauge\n")
		fmt.Fprintf(rw, "contagion_new_infections{run=%q} %d\n", runID, rep.NewInfections)

		fmt.Fprintf(rw, "# HELP contagion_persons Persons by disease status.\n")
		fmt.Fprintf(rw, "# TYPE contagion_persons gauge\n")
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "susceptible", rep.Susceptible)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "infectedButNotContagious", rep.InfectedButNotContagious)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "contagious", rep.Contagious)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "showingSymptoms", rep.ShowingSymptoms)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "seriouslySick", rep.SeriouslySick)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "critical", rep.Critical)
		fmt.Fprintf(rw, "contagion_persons{run=%q,status=%q} %d\n", runID, "recovered", rep.Recovered)

		if db != nil {
			st := db.Stats()
			fmt.Fprintf(rw, "# HELP contagion_rundb_queue_depth Run index channel backlog depth.\n")
			fmt.Fprintf(rw, "# TYPE contagion_rundb_queue_depth gauge\n")
			fmt.Fprintf(rw, "contagion_rundb_queue_depth{run=%q} %d\n", runID, st.QueueDepth)
			fmt.Fprintf(rw, "# HELP contagion_rundb_dropped_total Run index rows dropped under backpressure.\n")
			fmt.Fprintf(rw, "# TYPE contagion_rundb_dropped_total counter\n")
			fmt.Fprintf(rw, "contagion_rundb_dropped_total{run=%q,kind=%q} %d\n", runID, "report", st.DropReportTotal)
			fmt.Fprintf(rw, "contagion_rundb_dropped_total{run=%q,kind=%q} %d\n", runID, "infection", st.DropInfectionTotal)
		}
	})
	mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-done
}

// infectionSink fans infection events into the JSONL log and the run
// index. Log failures are reported but never stop the simulation.
type infectionSink struct {
	runID  string
	log    *log.Logger
	events *eventlog.InfectionLogger
	db     *rundb.RunDB
}

func (s *infectionSink) RecordInfection(ev protocol.InfectionEvent) {
	if err := s.events.WriteInfection(ev); err != nil {
		s.log.Printf("infection log: %v", err)
	}
	if s.db != nil {
		_ = s.db.WriteInfection(s.runID, ev)
	}
}

type latestReport struct {
	mu  sync.Mutex
	rep protocol.DayReport
}

func (l *latestReport) set(rep protocol.DayReport) {
	l.mu.Lock()
	l.rep = rep
	l.mu.Unlock()
}

func (l *latestReport) get() protocol.DayReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rep
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
