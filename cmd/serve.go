package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/metrics"
	"github.com/airframesio/table-exporter/cmd/status"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run export jobs from a spool directory and cron schedules",
	Long: `Run as a long-lived process that queues export jobs and runs them one at a time.

Jobs arrive as YAML job files dropped into the spool directory, or from the schedules listed
under serve.schedules in the config file. Each job file is layered on top of this process's
configuration. Prometheus metrics, the server status and a websocket stream of job events
(/ws) are served on --metrics-addr.`,
	RunE: runServe,
}

func init() {
	fs := serveCmd.Flags()
	addSourceFlags(fs)
	addOutputFlags(fs)
	addEngineFlags(fs)
	addMirrorFlags(fs)
	fs.String("spool-dir", "", "directory watched for job files")
	fs.String("metrics-addr", "", "listen address for /metrics, /healthz, /api/status and /ws (e.g. :9102)")
}

// preparedJob is a validated job waiting in the scheduler queue.
type preparedJob struct {
	cfg   *Config
	coord *exporter.Coordinator
}

// server owns the scheduler and everything that feeds it. It runs queued jobs as the
// scheduler's Runner.
type server struct {
	base      Config
	store     status.Store
	collector *metrics.Collector
	events    *eventHub
	scheduler *exporter.Scheduler
	logger    *slog.Logger

	mu       sync.Mutex
	prepared map[string]preparedJob
	info     ServerInfo
	results  sync.WaitGroup
}

func newServer(base *Config, store status.Store, log *slog.Logger) *server {
	s := &server{
		base:      *base,
		store:     store,
		collector: metrics.NewCollector(prometheus.NewRegistry()),
		logger:    log,
		prepared:  make(map[string]preparedJob),
		info: ServerInfo{
			PID:         os.Getpid(),
			StartTime:   time.Now(),
			MetricsAddr: base.Serve.MetricsAddr,
			SpoolDir:    base.Serve.SpoolDir,
		},
	}
	s.events = newEventHub(s.snapshot, log)
	for _, sc := range base.Serve.Schedules {
		s.info.Schedules = append(s.info.Schedules, fmt.Sprintf("%s (%s)", sc.Name, sc.Cron))
	}
	s.scheduler = exporter.NewScheduler(s, log)
	return s
}

// submitFile queues the job described by a job file and returns its id.
func (s *server) submitFile(path string) (string, error) {
	spec, err := LoadJobSpec(path)
	if err != nil {
		return "", err
	}
	applied := spec.Apply(s.base)
	cfg := &applied
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return s.submit(cfg)
}

func (s *server) submit(cfg *Config) (string, error) {
	coord, err := newCoordinator(cfg, s.store, exporter.Observers{s.collector, s.events}, s.logger)
	if err != nil {
		return "", err
	}
	job := newJob(cfg)

	s.mu.Lock()
	s.prepared[job.ID] = preparedJob{cfg: cfg, coord: coord}
	s.mu.Unlock()
	s.updateInfo(func(info *ServerInfo) { info.QueuedJobs++ })

	results, err := s.scheduler.Submit(job)
	if err != nil {
		s.mu.Lock()
		delete(s.prepared, job.ID)
		s.mu.Unlock()
		s.updateInfo(func(info *ServerInfo) { info.QueuedJobs-- })
		return "", err
	}

	s.results.Add(1)
	go s.await(results)
	return job.ID, nil
}

// Run executes a queued job. It implements exporter.Runner.
func (s *server) Run(ctx context.Context, job *exporter.ExportJob) *exporter.JobResult {
	s.mu.Lock()
	p, ok := s.prepared[job.ID]
	delete(s.prepared, job.ID)
	s.mu.Unlock()
	if !ok {
		return &exporter.JobResult{JobID: job.ID, Status: exporter.JobFailed, Err: fmt.Errorf("job %s was never prepared", job.ID)}
	}

	s.updateInfo(func(info *ServerInfo) {
		info.CurrentJob = job.ID
		info.QueuedJobs--
	})
	res := p.coord.Run(ctx, job)

	if p.cfg.S3.Bucket != "" && res.Organization != nil {
		if err := mirrorOutput(ctx, p.cfg, *res.Organization); err != nil {
			s.logger.Error("mirror failed", "job", job.ID, "error", err)
		}
	}
	return res
}

func (s *server) await(results <-chan *exporter.JobResult) {
	defer s.results.Done()
	res, ok := <-results
	if !ok || res == nil {
		return
	}
	s.updateInfo(func(info *ServerInfo) {
		info.CurrentJob = ""
		info.CompletedJobs++
	})
	if err := jobError(res); err != nil {
		s.logger.Warn("job finished", "job", res.JobID, "status", res.Status, "error", err)
		return
	}
	s.logger.Info("✅ Job finished", "job", res.JobID, "tables", len(res.Records), "duration", res.Duration.Round(time.Millisecond))
}

// snapshot returns a copy of the current server info.
func (s *server) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Schedules = append([]string(nil), s.info.Schedules...)
	return info
}

func (s *server) updateInfo(update func(*ServerInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.info)
	if err := WriteServerInfo(&s.info); err != nil {
		s.logger.Warn("failed to write server info", "error", err)
	}
}

// startSchedules registers every configured schedule. The returned cron runner is started.
func (s *server) startSchedules() (*cron.Cron, error) {
	c := cron.New()
	for _, sc := range s.base.Serve.Schedules {
		_, err := c.AddFunc(sc.Cron, func() {
			jobID, err := s.submitFile(sc.JobFile)
			if err != nil {
				s.logger.Error("scheduled job rejected", "schedule", sc.Name, "file", sc.JobFile, "error", err)
				return
			}
			s.logger.Info("⏰ Scheduled job queued", "schedule", sc.Name, "job", jobID)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrScheduleInvalid, sc.Name, err)
		}
		s.logger.Info("registered schedule", "schedule", sc.Name, "cron", sc.Cron, "file", sc.JobFile)
	}
	c.Start()
	return c, nil
}

// handler serves metrics, health, the server info document and the live event stream.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, s.snapshot())
	})
	mux.Handle("/ws", s.events)
	return mux
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := prepare("", true)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if cfg.Serve.SpoolDir == "" && len(cfg.Serve.Schedules) == 0 {
		return fmt.Errorf("%w: serve needs --spool-dir or serve.schedules", ErrScheduleInvalid)
	}

	if err := WritePIDFile(); err != nil {
		return err
	}
	defer func() {
		_ = RemovePIDFile()
		_ = RemoveServerInfo()
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info(fmt.Sprintf("🚀 Table Exporter v%s serving", Version), "pid", os.Getpid())

	srv := newServer(cfg, store, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.scheduler.Start(context.Background())
	srv.updateInfo(func(*ServerInfo) {})

	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	go srv.events.Run(eventsCtx)

	stop := watchSignals(cancel)
	defer stop()

	var httpServer *http.Server
	if cfg.Serve.MetricsAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Serve.MetricsAddr,
			Handler:           srv.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("📈 Serving metrics and events", "addr", cfg.Serve.MetricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
				cancel()
			}
		}()
	}

	schedules, err := srv.startSchedules()
	if err != nil {
		return err
	}

	var spoolErr error
	if cfg.Serve.SpoolDir != "" {
		spoolErr = newSpoolWatcher(cfg.Serve.SpoolDir, srv.submitFile, logger).Run(ctx)
		if spoolErr != nil {
			logger.Error("spool watcher stopped", "error", spoolErr)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down, cancelling queued and running jobs")
	<-schedules.Stop().Done()
	srv.scheduler.CancelAll()
	srv.scheduler.Close()
	srv.results.Wait()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return spoolErr
}
