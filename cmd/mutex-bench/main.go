// Command mutex-bench makes many workers contend for one lock and verifies
// that no two of them are ever inside the critical section together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
)

var (
	workers    = flag.Int("workers", 16, "Number of concurrent workers")
	iterations = flag.Int("iterations", 50, "Critical sections per worker")
	target     = flag.String("store", "memory", "Store: memory, redis")
	redisAddr  = flag.String("redis-addr", "localhost:6379", "Redis Address")
	hold       = flag.Duration("hold", time.Millisecond, "Time spent inside the critical section")
	wait       = flag.Duration("wait", 5*time.Second, "Optimistic wait budget per acquisition")
	useBus     = flag.Bool("bus", false, "Wake waiters through release notifications")
)

type result struct {
	acquired  int64
	busy      int64
	overlaps  int64
	latencies []time.Duration
}

func main() {
	flag.Parse()
	ctx := context.Background()

	var s store.Store
	var bus syncbus.Bus
	switch *target {
	case "memory":
		s = store.NewInMemory()
		if *useBus {
			bus = syncbus.NewInMemoryBus()
		}
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		s = store.NewRedis(client)
		if *useBus {
			rb := syncbus.NewRedisBus(client)
			defer rb.Close()
			bus = rb
		}
	default:
		log.Fatalf("unknown store %q", *target)
	}

	res, elapsed, err := bench(ctx, s, bus)
	if err != nil {
		log.Fatal(err)
	}
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	fmt.Printf("| %-8s | %-10s | %-8s | %-8s | %-12s | %-12s |\n", "Store", "Acquired", "Busy", "Overlaps", "P50 Wait", "P99 Wait")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")
	fmt.Printf("| %-8s | %-10d | %-8d | %-8d | %-12s | %-12s |\n",
		*target, res.acquired, res.busy, res.overlaps, percentile(res.latencies, 50), percentile(res.latencies, 99))
	fmt.Printf("total %s, %.0f sections/sec\n", elapsed, float64(res.acquired)/elapsed.Seconds())
	if res.overlaps > 0 {
		log.Fatalf("mutual exclusion violated %d times", res.overlaps)
	}
}

func bench(ctx context.Context, s store.Store, bus syncbus.Bus) (*result, time.Duration, error) {
	var inside atomic.Int32
	res := &result{}
	lat := make([][]time.Duration, *workers)

	opts := []mutex.Option{mutex.WithReleaseTimeout(time.Second)}
	if bus != nil {
		opts = append(opts, mutex.WithBus(bus))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			m, err := mutex.New("bench", "shared", 10*time.Second, s, opts...)
			if err != nil {
				return err
			}
			for i := 0; i < *iterations; i++ {
				t0 := time.Now()
				err := m.WithOptimisticLock(gctx, mutex.OptimisticOptions{
					MaxWaitTime:         *wait,
					TimeBetweenAttempts: time.Millisecond,
				}, func(context.Context) error {
					lat[w] = append(lat[w], time.Since(t0))
					if inside.Add(1) != 1 {
						atomic.AddInt64(&res.overlaps, 1)
					}
					time.Sleep(*hold)
					inside.Add(-1)
					return nil
				})
				switch {
				case err == nil:
					atomic.AddInt64(&res.acquired, 1)
				case mutex.IsAcquisitionFailed(err):
					atomic.AddInt64(&res.busy, 1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	for _, l := range lat {
		res.latencies = append(res.latencies, l...)
	}
	return res, time.Since(start), nil
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
