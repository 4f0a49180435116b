// Package ops implements administrative operations against the running
// system: queue stats, peeking at pending work, purging the dead letter
// list, and a throughput benchmark, adapted from a fixed high/low queue
// and completed-list shape to this service's configurable priority set
// and job store. Tracing-enriched variants (PeekWithTracing, InfoWithTracing,
// GetTraceActions) were dropped since they depended on a job-level trace
// parser with no equivalent here — see DESIGN.md.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"

	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/queue"
	"github.com/scenesmith/orchestrator/internal/store"
)

// StatsResult summarizes queue depths, in-flight processing lists, and live
// heartbeats.
type StatsResult struct {
	Queues          map[string]int64 `json:"queues"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
	Heartbeats      int64            `json:"heartbeats"`
}

func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (StatsResult, error) {
	res := StatsResult{Queues: map[string]int64{}, ProcessingLists: map[string]int64{}}
	qset := map[string]string{}
	for p, q := range cfg.Dispatcher.Queues {
		qset[p] = q
	}
	qset["dead_letter"] = cfg.Dispatcher.DeadLetterList
	for name, key := range qset {
		if key == "" {
			continue
		}
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, err
		}
		res.Queues[name+"("+key+")"] = n
	}

	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, "orchestrator:worker:*:processing", 200).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			res.ProcessingLists[k] = n
		}
		if cursor == 0 {
			break
		}
	}

	var hbc int64
	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, "orchestrator:heartbeat:*", 500).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		hbc += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	res.Heartbeats = hbc
	return res, nil
}

// PeekResult is a window into a queue's pending job references.
type PeekResult struct {
	Queue string         `json:"queue"`
	Items []queue.JobRef `json:"items"`
}

func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, queueAlias string, n int64) (PeekResult, error) {
	qkey, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return PeekResult{}, err
	}
	if n <= 0 {
		n = 10
	}
	raw, err := rdb.LRange(ctx, qkey, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	items := make([]queue.JobRef, 0, len(raw))
	for _, r := range raw {
		ref, err := queue.UnmarshalJobRef(r)
		if err != nil {
			continue
		}
		items = append(items, ref)
	}
	return PeekResult{Queue: qkey, Items: items}, nil
}

func PurgeDLQ(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
	if cfg.Dispatcher.DeadLetterList == "" {
		return errors.New("dead letter list not configured")
	}
	return rdb.Del(ctx, cfg.Dispatcher.DeadLetterList).Err()
}

func resolveQueue(cfg *config.Config, alias string) (string, error) {
	a := strings.ToLower(alias)
	if a == "dead_letter" || a == "dlq" {
		return cfg.Dispatcher.DeadLetterList, nil
	}
	if q, ok := cfg.Dispatcher.Queues[a]; ok {
		return q, nil
	}
	if strings.HasPrefix(alias, "orchestrator:") {
		return alias, nil
	}
	keys := make([]string, 0, len(cfg.Dispatcher.Queues))
	for k := range cfg.Dispatcher.Queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(keys)
	return "", fmt.Errorf("unknown queue alias %q; known: %s, dead_letter or full key starting with orchestrator:", alias, string(b))
}

// BenchResult reports the outcome of a throughput benchmark.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench enqueues count synthetic tts job refs at the given priority and
// waits, up to timeout, for them all to reach a terminal state in the job
// store, then reports throughput and latency percentiles computed from each
// job's creation time vs. its last-update timestamp (written with the
// terminal state).
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, st *store.Store, lg *ledger.Ledger, priority string, count int, rate int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if _, ok := cfg.Dispatcher.Queues[priority]; !ok {
		return res, fmt.Errorf("unknown priority %q", priority)
	}

	ids := make([]string, 0, count)
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		id := fmt.Sprintf("bench-%d-%d", start.UnixNano(), i)
		if _, err := lg.Debit("bench-user", id, 1, "benchmark submission"); err != nil {
			return res, err
		}
		if err := st.Upsert(store.Job{ID: id, Type: "tts", State: store.StateQueued, UserID: "bench-user", Params: `{"text":"benchmark"}`}); err != nil {
			return res, err
		}
		ref := queue.NewJobRef(id, queue.JobTypeTTS, priority)
		payload, _ := ref.Marshal()
		if err := rdb.LPush(ctx, cfg.Dispatcher.Queues[priority], payload).Err(); err != nil {
			return res, err
		}
		ids = append(ids, id)
	}

	doneBy := time.Now().Add(timeout)
	for time.Now().Before(doneBy) {
		if allTerminal(st, ids) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	lats := make([]float64, 0, len(ids))
	for _, id := range ids {
		job, err := st.Get(id)
		if err != nil {
			continue
		}
		if job.State == store.StateDone || job.State == store.StateError {
			lats = append(lats, job.UpdatedAt.Sub(job.CreatedAt).Seconds())
		}
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

func allTerminal(st *store.Store, ids []string) bool {
	for _, id := range ids {
		job, err := st.Get(id)
		if err != nil {
			return false
		}
		if job.State != store.StateDone && job.State != store.StateError && job.State != store.StateCancelled {
			return false
		}
	}
	return true
}

// CleanTransientFiles visits every job directory directly under mediaDir and
// removes the files matching any of patterns (doublestar globs evaluated
// relative to each job's directory, e.g. "concept_cropped.jpg"). Used to
// sweep up intermediate artifacts the pipeline leaves behind. It does not
// check job state: matching files of jobs still in flight are removed too.
func CleanTransientFiles(mediaDir string, patterns []string) (int, error) {
	if mediaDir == "" {
		return 0, errors.New("media dir not configured")
	}
	removed := 0
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, pat := range patterns {
			matches, err := doublestar.Glob(os.DirFS(mediaDir), filepath.Join(entry.Name(), pat))
			if err != nil {
				return removed, fmt.Errorf("glob %q: %w", pat, err)
			}
			for _, m := range matches {
				if err := os.Remove(filepath.Join(mediaDir, m)); err != nil && !os.IsNotExist(err) {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}

// KeysStats summarizes managed Redis keys and queue lengths.
type KeysStats struct {
	QueueLengths    map[string]int64 `json:"queue_lengths"`
	ProcessingLists int64            `json:"processing_lists"`
	ProcessingItems int64            `json:"processing_items"`
	Heartbeats      int64            `json:"heartbeats"`
}

func StatsKeys(ctx context.Context, cfg *config.Config, rdb *redis.Client) (KeysStats, error) {
	out := KeysStats{QueueLengths: map[string]int64{}}
	qset := map[string]string{"dead_letter": cfg.Dispatcher.DeadLetterList}
	for p, q := range cfg.Dispatcher.Queues {
		qset[p] = q
	}
	for name, key := range qset {
		if key == "" {
			continue
		}
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, err
		}
		out.QueueLengths[name+"("+key+")"] = n
	}

	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, "orchestrator:worker:*:processing", 500).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.ProcessingLists += int64(len(keys))
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			out.ProcessingItems += n
		}
		if cursor == 0 {
			break
		}
	}

	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, "orchestrator:heartbeat:*", 1000).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.Heartbeats += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PurgeAll deletes every managed queue, processing list, and heartbeat key.
// Intended for test environments, not production use.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	var deleted int64
	keys := []string{cfg.Dispatcher.DeadLetterList}
	for _, q := range cfg.Dispatcher.Queues {
		keys = append(keys, q)
	}
	uniq := map[string]struct{}{}
	ek := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		ek = append(ek, k)
	}
	if len(ek) > 0 {
		n, err := rdb.Del(ctx, ek...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	patterns := []string{"orchestrator:worker:*:processing", "orchestrator:heartbeat:*"}
	for _, pat := range patterns {
		var cursor uint64
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pat, 500).Result()
			if err != nil {
				return deleted, err
			}
			cursor = cur
			if len(keys) > 0 {
				n, err := rdb.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += n
			}
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}
