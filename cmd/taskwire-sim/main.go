package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskwire/taskwire/client"
	"github.com/taskwire/taskwire/model"
)

var (
	baseURL = flag.String("url", "http://localhost:8080", "Server base URL")
	users   = flag.Int("users", 4, "Number of concurrent simulated users")
	rounds  = flag.Int("rounds", 3, "Edit rounds per user")
	adds    = flag.Int("adds", 2, "Tasks added per user before the rounds")
)

type counters struct {
	added     atomic.Int64
	updated   atomic.Int64
	completed atomic.Int64
	conflicts atomic.Int64
	lockNanos atomic.Int64
}

func main() {
	flag.Parse()

	ctx := context.Background()
	var stats counters
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *users; i++ {
		name := fmt.Sprintf("sim-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			return runUser(gctx, name, &stats)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("simulation failed: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("simulated %d users in %s\n", *users, elapsed.Round(time.Millisecond))
	fmt.Printf("  added:      %d\n", stats.added.Load())
	fmt.Printf("  updated:    %d\n", stats.updated.Load())
	fmt.Printf("  completed:  %d\n", stats.completed.Load())
	fmt.Printf("  conflicts:  %d\n", stats.conflicts.Load())
	if n := stats.updated.Load(); n > 0 {
		avg := time.Duration(stats.lockNanos.Load() / n)
		fmt.Printf("  avg lock->update: %s\n", avg.Round(time.Microsecond))
	}
}

func runUser(ctx context.Context, name string, stats *counters) error {
	api := client.NewAPI(*baseURL)

	for i := 0; i < *adds; i++ {
		task := model.Task{Title: fmt.Sprintf("%s task %d", name, i+1)}
		if _, err := api.AddTask(ctx, task); err != nil {
			return fmt.Errorf("%s: add: %w", name, err)
		}
		stats.added.Add(1)
	}

	for round := 1; round <= *rounds; round++ {
		tasks, err := api.GetTasks(ctx)
		if err != nil {
			return fmt.Errorf("%s: fetch: %w", name, err)
		}
		if len(tasks) == 0 {
			continue
		}
		target := tasks[rand.Intn(len(tasks))]

		lockStart := time.Now()
		locked, err := api.LockTask(ctx, target.ID, name)
		if err != nil {
			return fmt.Errorf("%s: lock: %w", name, err)
		}
		if !locked {
			// Someone else is editing this task; contention is the point
			// of the exercise, move on.
			stats.conflicts.Add(1)
			continue
		}

		target.Description = fmt.Sprintf("edited by %s round %d", name, round)
		if _, err := api.UpdateTask(ctx, target.ID, target); err != nil {
			return fmt.Errorf("%s: update: %w", name, err)
		}
		stats.lockNanos.Add(int64(time.Since(lockStart)))
		stats.updated.Add(1)

		if round%2 == 0 {
			if _, err := api.SetCompletion(ctx, target.ID, !target.IsComplete); err != nil {
				return fmt.Errorf("%s: complete: %w", name, err)
			}
			stats.completed.Add(1)
		}
	}
	return nil
}
