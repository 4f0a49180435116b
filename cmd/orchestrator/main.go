// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scenesmith/orchestrator/internal/adapters"
	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/dispatcher"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/obs"
	"github.com/scenesmith/orchestrator/internal/ops"
	"github.com/scenesmith/orchestrator/internal/pipeline"
	"github.com/scenesmith/orchestrator/internal/reaper"
	"github.com/scenesmith/orchestrator/internal/redisclient"
	"github.com/scenesmith/orchestrator/internal/registry"
	"github.com/scenesmith/orchestrator/internal/store"
	"github.com/scenesmith/orchestrator/internal/submission"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchRate int
	var benchPriority string
	var benchTimeout time.Duration
	var showVersion bool
	var submitOp string
	var submitUser string
	var submitIdea string
	var submitDuration string
	var submitStyle string
	var submitText string
	var submitJobID string
	var submitLimit int
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|all|ops|submit")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Ops command: stats|stats-keys|peek|purge-dlq|purge-all|bench|clean-transient")
	fs.StringVar(&adminQueue, "queue", "", "Queue alias or full key for ops peek (high|normal|dead_letter|orchestrator:...)")
	fs.IntVar(&adminN, "n", 10, "Number of items for ops peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 100, "Ops bench: number of synthetic jobs")
	fs.IntVar(&benchRate, "bench-rate", 50, "Ops bench: enqueue rate jobs/sec")
	fs.StringVar(&benchPriority, "bench-priority", "normal", "Ops bench: priority queue")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Ops bench: timeout to wait for completion")
	fs.StringVar(&submitOp, "submit-op", "", "Submission command: quick_create|full_universe|compose|tts|status|list|cancel|delete")
	fs.StringVar(&submitUser, "user", "cli-user", "User id for a submission")
	fs.StringVar(&submitIdea, "idea", "", "idea_text for quick_create/full_universe")
	fs.StringVar(&submitDuration, "duration", "30s", "duration bucket for quick_create/full_universe")
	fs.StringVar(&submitStyle, "style", "", "style_key for quick_create/full_universe")
	fs.StringVar(&submitText, "text", "", "text for tts")
	fs.StringVar(&submitJobID, "job-id", "", "job id for status/cancel/delete")
	fs.IntVar(&submitLimit, "limit", 100, "limit for list")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role == "ops" {
		runOps(context.Background(), cfg, rdb, logger, adminCmd, adminQueue, adminN, adminYes, benchCount, benchRate, benchPriority, benchTimeout)
		return
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer st.Close()

	lg, err := ledger.New(st.DB(), cfg.Ledger.StartingBalance)
	if err != nil {
		logger.Fatal("failed to open ledger", obs.Err(err))
	}

	reg := registry.New()

	deps := pipeline.Deps{
		Image:         adapters.NewImageClient(cfg.Adapters.ImageAPIKey),
		Video:         adapters.NewVideoClient(cfg.Adapters.VideoAPIKey, cfg.Adapters.PollInterval, cfg.Adapters.PollMaxAttempts),
		Audio:         adapters.NewAudioClient(cfg.Models.StyleSoundtrack),
		Encoder:       adapters.NewEncoder(cfg.Adapters.FFmpegBin, cfg.Media.OutputDir),
		MediaDir:      cfg.Media.OutputDir,
		PublicBaseURL: cfg.Media.PublicBaseURL,
	}

	disp := dispatcher.New(cfg, rdb, logger, st, lg, reg, deps)

	if role == "submit" {
		svc := submission.New(st, lg, reg, disp)
		runSubmit(context.Background(), svc, submitOp, submitUser, submitIdea, submitDuration, submitStyle, submitText, submitJobID, submitLimit, logger)
		return
	}

	rep := reaper.New(cfg, rdb, logger)

	if cfg.Store.ReconcileOnBoot {
		n, err := reaper.ReconcileOrphanDebits(st, lg, logger)
		if err != nil {
			logger.Error("orphan debit reconciliation failed", obs.Err(err))
		} else if n > 0 {
			logger.Info("reconciled orphan debits", obs.Int("count", n))
		}
	}

	unfinished, err := st.RecoverUnfinished()
	if err != nil {
		logger.Error("failed to recover unfinished jobs", obs.Err(err))
	}
	for _, j := range unfinished {
		reg.Install(registry.Record{
			ID: j.ID, Type: j.Type, State: j.State, Progress: j.Progress,
			UserID: j.UserID, SubmittedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
		})
	}
	logger.Info("recovered unfinished jobs", obs.Int("count", len(unfinished)))

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)
	go rep.Run(ctx)

	if err := disp.Run(ctx); err != nil {
		logger.Fatal("dispatcher error", obs.Err(err))
	}
}

// runSubmit is a bare CLI front door over internal/submission for local
// testing and scripted job submission; the real request surface (HTTP
// routing, auth) lives outside this binary.
func runSubmit(ctx context.Context, svc *submission.Service, op, userID, idea, duration, style, text, jobID string, limit int, logger *zap.Logger) {
	switch op {
	case "quick_create":
		res, err := svc.SubmitQuickCreate(ctx, submission.QuickCreateRequest{UserID: userID, IdeaText: idea, Duration: duration, StyleKey: style})
		if err != nil {
			logger.Fatal("submit quick_create error", obs.Err(err))
		}
		printJSON(res)
	case "full_universe":
		res, err := svc.SubmitFullUniverse(ctx, submission.QuickCreateRequest{UserID: userID, IdeaText: idea, Duration: duration, StyleKey: style})
		if err != nil {
			logger.Fatal("submit full_universe error", obs.Err(err))
		}
		printJSON(res)
	case "compose":
		res, err := svc.SubmitCompose(ctx, submission.ComposeRequest{UserID: userID, Spec: map[string]any{}})
		if err != nil {
			logger.Fatal("submit compose error", obs.Err(err))
		}
		printJSON(res)
	case "tts":
		res, err := svc.SubmitTTS(ctx, submission.TTSRequest{UserID: userID, Text: text})
		if err != nil {
			logger.Fatal("submit tts error", obs.Err(err))
		}
		printJSON(res)
	case "status":
		if jobID == "" {
			logger.Fatal("submit status requires --job-id")
		}
		res, err := svc.GetStatus(jobID)
		if err != nil {
			logger.Fatal("submit status error", obs.Err(err))
		}
		printJSON(res)
	case "list":
		res, err := svc.ListRecent(userID, limit)
		if err != nil {
			logger.Fatal("submit list error", obs.Err(err))
		}
		printJSON(res)
	case "cancel":
		if jobID == "" {
			logger.Fatal("submit cancel requires --job-id")
		}
		ok, err := svc.Cancel(jobID)
		if err != nil {
			logger.Fatal("submit cancel error", obs.Err(err))
		}
		printJSON(struct {
			Cancelled bool `json:"cancelled"`
		}{Cancelled: ok})
	case "delete":
		if jobID == "" {
			logger.Fatal("submit delete requires --job-id")
		}
		ok, err := svc.Delete(jobID)
		if err != nil {
			logger.Fatal("submit delete error", obs.Err(err))
		}
		printJSON(struct {
			Deleted bool `json:"deleted"`
		}{Deleted: ok})
	default:
		logger.Fatal("unknown submit-op", obs.String("op", op))
	}
}

func runOps(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd, queueAlias string, n int, yes bool, benchCount, benchRate int, benchPriority string, benchTimeout time.Duration) {
	switch cmd {
	case "stats":
		res, err := ops.Stats(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("ops stats error", obs.Err(err))
		}
		printJSON(res)
	case "stats-keys":
		res, err := ops.StatsKeys(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("ops stats-keys error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queueAlias == "" {
			logger.Fatal("ops peek requires --queue")
		}
		res, err := ops.Peek(ctx, cfg, rdb, queueAlias, int64(n))
		if err != nil {
			logger.Fatal("ops peek error", obs.Err(err))
		}
		printJSON(res)
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		if err := ops.PurgeDLQ(ctx, cfg, rdb); err != nil {
			logger.Fatal("ops purge-dlq error", obs.Err(err))
		}
		fmt.Println("dead letter queue purged")
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		deleted, err := ops.PurgeAll(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("ops purge-all error", obs.Err(err))
		}
		printJSON(struct {
			Deleted int64 `json:"deleted"`
		}{Deleted: deleted})
	case "bench":
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			logger.Fatal("ops bench: failed to open store", obs.Err(err))
		}
		defer st.Close()
		lg, err := ledger.New(st.DB(), cfg.Ledger.StartingBalance)
		if err != nil {
			logger.Fatal("ops bench: failed to open ledger", obs.Err(err))
		}
		res, err := ops.Bench(ctx, cfg, rdb, st, lg, benchPriority, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("ops bench error", obs.Err(err))
		}
		printJSON(res)
	case "clean-transient":
		removed, err := ops.CleanTransientFiles(cfg.Media.OutputDir, []string{"concept_cropped.jpg"})
		if err != nil {
			logger.Fatal("ops clean-transient error", obs.Err(err))
		}
		printJSON(struct {
			Removed int `json:"removed"`
		}{Removed: removed})
	default:
		logger.Fatal("unknown ops command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
