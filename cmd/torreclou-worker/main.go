// Command torreclou-worker runs the download/upload/sync job pipeline
// of spec.md: one process hosting every Dispatcher, the background
// task runtime's worker pool, and the Recovery Supervisor. Shaped
// after the teacher's single cobra binary (cmd/warren/main.go): one
// root command, flag-parsing into a config struct, dependency
// construction, then a blocking signal wait with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gitnasr/torreclou/pkg/api"
	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/dispatcher"
	"github.com/gitnasr/torreclou/pkg/download"
	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/lease"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/recovery"
	"github.com/gitnasr/torreclou/pkg/requestedfile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/syncstage"
	"github.com/gitnasr/torreclou/pkg/taskqueue"
	"github.com/gitnasr/torreclou/pkg/types"
	"github.com/gitnasr/torreclou/pkg/upload"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "torreclou-worker",
	Short: "torreclou-worker runs the torrent-to-cloud job pipeline",
	Long: `torreclou-worker downloads a torrent, uploads the selected files to a
cloud storage profile, and optionally mirrors them to S3, coordinated
through a persistent job-lifecycle state machine with crash recovery.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(debugCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process operations",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispatchers, task runtime, and recovery supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		fmt.Println("Starting torreclou-worker...")
		fmt.Printf("  Data directory: %s\n", cfg.DataDir)
		fmt.Printf("  Torrent root:   %s\n", cfg.TorrentRoot)
		fmt.Printf("  Redis:          %s (db %d)\n", cfg.RedisAddr, cfg.RedisDB)
		fmt.Printf("  Queues:         %s\n", strings.Join(cfg.Queues, ", "))
		fmt.Println()

		deps, err := buildDeps(cfg)
		if err != nil {
			return fmt.Errorf("wire dependencies: %v", err)
		}
		defer deps.Close()

		dispatchers, err := startDispatchers(cmd.Context(), deps)
		if err != nil {
			return fmt.Errorf("start dispatchers: %v", err)
		}
		defer func() {
			for _, d := range dispatchers {
				d.Stop()
			}
		}()

		taskServer := buildTaskServer(deps)
		go func() {
			if err := taskServer.Run(); err != nil {
				log.Errorf("task server exited", err)
			}
		}()

		deps.supervisor.Start()
		defer deps.supervisor.Stop()

		fmt.Println("torreclou-worker is running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		taskServer.Shutdown()
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd)

	workerStartCmd.Flags().String("data-dir", "./data", "Directory holding the job store")
	workerStartCmd.Flags().String("torrent-root", "./data/torrents", "Parent directory of per-job download paths")
	workerStartCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address for streams, leases, and the task runtime")
	workerStartCmd.Flags().Int("redis-db", 0, "Redis logical database")
	workerStartCmd.Flags().StringSlice("queues", []string{"torrents", "googledrive", "s3", "sync"}, "Background task queues this process serves")
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.FromEnv(config.Default())
	if err != nil {
		return cfg, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("torrent-root"); v != "" {
		cfg.TorrentRoot = v
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	if cmd.Flags().Changed("redis-db") {
		v, _ := cmd.Flags().GetInt("redis-db")
		cfg.RedisDB = v
	}
	if cmd.Flags().Changed("queues") {
		v, _ := cmd.Flags().GetStringSlice("queues")
		cfg.Queues = v
	}
	return cfg, nil
}

// deps holds every long-lived component one worker process wires
// together. Built once in buildDeps, torn down once via Close.
type deps struct {
	cfg config.Config

	rdb    *redis.Client
	store  store.Store
	events *eventlog.Log
	locker *lease.Locker
	engine *statusengine.Engine

	profiles profile.Reader
	files    requestedfile.Reader

	tasksClient *taskqueue.Client
	inspector   *taskqueue.Inspector

	downloadStage *download.Stage
	driveStage    *upload.Stage
	driveProvider *upload.DriveProvider
	s3Stage       *upload.Stage
	s3Provider    *upload.S3Provider
	syncStage     *syncstage.Stage

	facade     *api.Facade
	supervisor *recovery.Supervisor
}

func (d *deps) Close() {
	if err := d.store.Close(); err != nil {
		log.Errorf("close store", err)
	}
	if err := d.tasksClient.Close(); err != nil {
		log.Errorf("close task client", err)
	}
	if err := d.rdb.Close(); err != nil {
		log.Errorf("close redis client", err)
	}
}

func buildDeps(cfg config.Config) (*deps, error) {
	s, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	engine := statusengine.New(s)
	events := eventlog.New(rdb)
	locker := lease.New(rdb)

	// profile.Reader and requestedfile.Reader are external collaborators
	// (spec.md §1): the in-memory stand-ins are what the sample CLI and
	// tests use until a real CRUD service is wired in.
	profiles := profile.NewInMemoryReader()
	files := requestedfile.NewInMemoryReader()

	tasksClient := taskqueue.NewClient(cfg.RedisAddr, cfg.RedisDB)
	inspector := taskqueue.NewInspector(cfg.RedisAddr, cfg.RedisDB)

	downloadStage := download.New(s, engine, events, cfg)
	driveProvider := upload.NewDriveProvider(cfg, engine)
	driveStage := upload.NewStage(s, engine, profiles, locker, upload.NewProgressCache(rdb), cfg)
	s3Provider := upload.NewS3Provider(s, engine, events)
	s3Stage := upload.NewStage(s, engine, profiles, locker, upload.NewProgressCache(rdb), cfg)
	syncStageRunner := syncstage.NewStage(s, engine, profiles, s3Provider, cfg)

	facade := api.NewFacade(s, engine, profiles, events)

	d := &deps{
		cfg:           cfg,
		rdb:           rdb,
		store:         s,
		events:        events,
		locker:        locker,
		engine:        engine,
		profiles:      profiles,
		files:         files,
		tasksClient:   tasksClient,
		inspector:     inspector,
		downloadStage: downloadStage,
		driveStage:    driveStage,
		driveProvider: driveProvider,
		s3Stage:       s3Stage,
		s3Provider:    s3Provider,
		syncStage:     syncStageRunner,
		facade:        facade,
	}
	d.supervisor = recovery.New(s, engine, tasksClient, inspector, locker, d.profileQueue, cfg)
	return d, nil
}

// profileQueue implements recovery.ProfileQueue: the per-provider
// strategy map of spec.md §4.10, reading the profile's provider to
// pick the upload queue and task type a recovered job re-enters.
func (d *deps) profileQueue(profileID int64) (queue, taskType string, err error) {
	p, err := d.profiles.Get(context.Background(), profileID)
	if err != nil {
		return "", "", err
	}
	switch p.Provider {
	case types.ProviderGoogleDrive:
		return "googledrive", taskqueue.TypeUploadDrive, nil
	case types.ProviderS3:
		return "s3", taskqueue.TypeUploadS3, nil
	default:
		return "", "", fmt.Errorf("no upload queue wired for provider %s", p.Provider)
	}
}

// providerStreamName maps a storage profile's provider to the
// lowercase token used in uploads:<provider>:stream.
func providerStreamName(p types.ProviderType) (string, error) {
	switch p {
	case types.ProviderGoogleDrive:
		return "googledrive", nil
	case types.ProviderS3:
		return "s3", nil
	default:
		return "", fmt.Errorf("no upload stage wired for provider %s", p)
	}
}

func startDispatchers(ctx context.Context, d *deps) ([]*dispatcher.Dispatcher, error) {
	specs := []dispatcher.Options{
		{Stream: eventlog.JobsStream, Group: "dispatcher", TaskType: taskqueue.TypeDownload, Queue: "torrents"},
		{Stream: eventlog.UploadsStream("googledrive"), Group: "dispatcher", TaskType: taskqueue.TypeUploadDrive, Queue: "googledrive"},
		{Stream: eventlog.UploadsStream("s3"), Group: "dispatcher", TaskType: taskqueue.TypeUploadS3, Queue: "s3"},
		{Stream: eventlog.SyncStream, Group: "dispatcher", TaskType: taskqueue.TypeSync, Queue: "sync"},
	}

	dispatchers := make([]*dispatcher.Dispatcher, 0, len(specs))
	for _, opts := range specs {
		disp, err := dispatcher.New(ctx, opts, d.events, d.store, d.engine, d.tasksClient, d.cfg)
		if err != nil {
			for _, started := range dispatchers {
				started.Stop()
			}
			return nil, fmt.Errorf("new dispatcher for %s: %w", opts.Stream, err)
		}
		disp.Start()
		dispatchers = append(dispatchers, disp)
	}
	return dispatchers, nil
}

func buildTaskServer(d *deps) *taskqueue.Server {
	errHandler := taskqueue.OnTaskFailed(d.engine)
	srv := taskqueue.NewServer(d.cfg.RedisAddr, d.cfg.RedisDB, d.cfg.Queues, len(d.cfg.Queues)*4, d.cfg.AttemptDelays, errHandler)

	srv.Register(taskqueue.Descriptor{
		TypeName: taskqueue.TypeDownload,
		Queue:    "torrents",
		Handler:  d.handleDownload,
	})
	srv.Register(taskqueue.Descriptor{
		TypeName: taskqueue.TypeUploadDrive,
		Queue:    "googledrive",
		Handler:  d.handleUploadDrive,
	})
	srv.Register(taskqueue.Descriptor{
		TypeName: taskqueue.TypeUploadS3,
		Queue:    "s3",
		Handler:  d.handleUploadS3,
	})
	srv.Register(taskqueue.Descriptor{
		TypeName: taskqueue.TypeSync,
		Queue:    "sync",
		Handler:  d.handleSync,
	})
	return srv
}

func decodePayload(task *asynq.Task) (taskqueue.Payload, error) {
	var p taskqueue.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode task payload: %w", err)
	}
	return p, nil
}

func (d *deps) handleDownload(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}

	job, err := d.store.GetJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	rf, err := d.files.Get(ctx, job.RequestedFileID)
	if err != nil {
		return fmt.Errorf("resolve requested file for job %d: %w", job.ID, err)
	}

	provider := rf.ProviderHint
	if job.StorageProfileID != 0 {
		if prof, err := d.profiles.Get(ctx, job.StorageProfileID); err == nil {
			provider = prof.Provider
		}
	}
	providerName, err := providerStreamName(provider)
	if err != nil {
		return err
	}

	return d.downloadStage.Run(ctx, p.JobID, download.Request{
		TorrentPath: rf.TorrentPath,
		Provider:    providerName,
	})
}

func (d *deps) handleUploadDrive(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}
	return d.driveStage.Run(ctx, p.JobID, d.driveProvider)
}

func (d *deps) handleUploadS3(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}
	return d.s3Stage.Run(ctx, p.JobID, d.s3Provider)
}

func (d *deps) handleSync(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}
	return d.syncStage.Run(ctx, p.SyncID)
}

// debugCmd exposes the api.Facade operations for manual testing
// against a running worker's data directory, without a transport
// layer in front of them (SPEC_FULL.md §14).
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Exercise create/cancel/retry-job directly against the job store",
}

var debugCreateJobCmd = &cobra.Command{
	Use:   "create-job",
	Short: "Run create-and-dispatch-job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		d, err := buildDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		userID, _ := cmd.Flags().GetInt64("user-id")
		requestedFileID, _ := cmd.Flags().GetInt64("requested-file-id")

		res, err := d.facade.CreateAndDispatchJob(cmd.Context(), api.CreateJobRequest{
			RequestedFileID: requestedFileID,
			UserID:          userID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created job %d (storage profile %d, warning=%v %q)\n",
			res.JobID, res.StorageProfileID, res.HasStorageProfileWarning, res.StorageProfileWarningMessage)
		return nil
	},
}

var debugCancelJobCmd = &cobra.Command{
	Use:   "cancel-job",
	Short: "Run cancel-job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		d, err := buildDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		jobID, _ := cmd.Flags().GetInt64("job-id")
		userID, _ := cmd.Flags().GetInt64("user-id")
		if err := d.facade.CancelJob(cmd.Context(), jobID, userID, api.RoleUser); err != nil {
			return err
		}
		fmt.Printf("cancelled job %d\n", jobID)
		return nil
	},
}

var debugRetryJobCmd = &cobra.Command{
	Use:   "retry-job",
	Short: "Run retry-job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		d, err := buildDeps(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		jobID, _ := cmd.Flags().GetInt64("job-id")
		userID, _ := cmd.Flags().GetInt64("user-id")
		if err := d.facade.RetryJob(cmd.Context(), jobID, userID, api.RoleUser); err != nil {
			return err
		}
		fmt.Printf("requeued job %d\n", jobID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{debugCreateJobCmd, debugCancelJobCmd, debugRetryJobCmd} {
		c.Flags().String("data-dir", "./data", "Directory holding the job store")
		c.Flags().String("torrent-root", "./data/torrents", "Parent directory of per-job download paths")
		c.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address for streams, leases, and the task runtime")
		c.Flags().Int("redis-db", 0, "Redis logical database")
		c.Flags().Int64("user-id", 0, "Acting user id")
	}
	debugCreateJobCmd.Flags().Int64("requested-file-id", 0, "RequestedFile id to download")
	debugCancelJobCmd.Flags().Int64("job-id", 0, "Job id")
	debugRetryJobCmd.Flags().Int64("job-id", 0, "Job id")

	debugCmd.AddCommand(debugCreateJobCmd, debugCancelJobCmd, debugRetryJobCmd)
}
