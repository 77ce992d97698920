package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/gate"
	"github.com/ocx/vesselgate/internal/monitoring"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/trajectory"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumRequests    int
	Concurrency    int
	Agents         int
	Budget         time.Duration
	EvalDelay      time.Duration
	EvalJitter     time.Duration
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests  uint64
	Allowed        uint64
	Blocked        uint64
	BudgetExceeded uint64
	TotalDuration  time.Duration
	Throughput     float64
	Live           monitoring.LiveMetrics
	MaxLatency     time.Duration
}

// slowEvaluator allows everything after a random delay. It ignores ctx so
// the gate's own deadline is what bounds latency.
type slowEvaluator struct {
	delay, jitter time.Duration
}

func (e slowEvaluator) Evaluate(_ context.Context, _ core.ActionRequest, _ core.Vessel) (policy.Evaluation, error) {
	d := e.delay
	if e.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(e.jitter)))
	}
	time.Sleep(d)
	return policy.Evaluation{}, nil
}

func main() {
	numRequests := flag.Int("requests", 10000, "Number of action requests to gate")
	concurrency := flag.Int("concurrency", 100, "Number of concurrent workers")
	agents := flag.Int("agents", 50, "Number of distinct agents")
	budget := flag.Duration("budget", gate.DefaultBudget, "Gate latency budget")
	evalDelay := flag.Duration("eval-delay", 20*time.Millisecond, "Base evaluator delay")
	evalJitter := flag.Duration("eval-jitter", 120*time.Millisecond, "Random extra evaluator delay")
	reportInterval := flag.Duration("report", 2*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		Agents:         *agents,
		Budget:         *budget,
		EvalDelay:      *evalDelay,
		EvalJitter:     *evalJitter,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting gate load test",
		"requests", config.NumRequests,
		"concurrency", config.Concurrency,
		"budget", config.Budget,
		"eval_delay", config.EvalDelay,
		"eval_jitter", config.EvalJitter)
	stats := runLoadTest(config)

	printResults(config, stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	live := monitoring.NewLiveMonitor()
	g := gate.New(
		slowEvaluator{delay: config.EvalDelay, jitter: config.EvalJitter},
		trajectory.NewMemoryTracker(),
		gate.WithDefaultBudget(config.Budget),
		gate.WithObserver(live),
	)
	vessel := core.Vessel{ID: "loadtest", PolicyProfile: "loadtest"}

	stats := &LoadTestStats{}
	var maxMu sync.Mutex

	reqChan := make(chan int, config.Concurrency)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, live, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := range reqChan {
				agentID := fmt.Sprintf("agent-%d", n%config.Agents)
				req := core.NewActionRequest(agentID, vessel.ID, core.ActionToolCall,
					[]byte(fmt.Sprintf("request %d from worker %d", n, workerID)))

				start := time.Now()
				d := g.Evaluate(ctx, req, vessel, 0)
				latency := time.Since(start)

				atomic.AddUint64(&stats.TotalRequests, 1)
				if d.Allowed() {
					atomic.AddUint64(&stats.Allowed, 1)
				} else {
					atomic.AddUint64(&stats.Blocked, 1)
				}
				if d.BudgetExceeded {
					atomic.AddUint64(&stats.BudgetExceeded, 1)
				}
				maxMu.Lock()
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				maxMu.Unlock()
			}
		}(i)
	}

	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)
	wg.Wait()

	stats.TotalDuration = time.Since(startTime)
	stats.Throughput = float64(stats.TotalRequests) / stats.TotalDuration.Seconds()
	stats.Live = live.GetLiveMetrics()
	return stats
}

func reportStats(ctx context.Context, stats *LoadTestStats, live *monitoring.LiveMonitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := live.GetLiveMetrics()
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalRequests),
				"allowed", atomic.LoadUint64(&stats.Allowed),
				"blocked", atomic.LoadUint64(&stats.Blocked),
				"p99_ms", m.LatencyP99Ms)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(config LoadTestConfig, stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"
	pct := func(n uint64) float64 { return float64(n) / float64(stats.TotalRequests) * 100 }

	fmt.Println("\n" + separator)
	fmt.Println("📊 GATE LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Allowed:                %d (%.2f%%)\n", stats.Allowed, pct(stats.Allowed))
	fmt.Printf("Blocked:                %d (%.2f%%)\n", stats.Blocked, pct(stats.Blocked))
	fmt.Printf("Budget Exceeded:        %d (%.2f%%)\n", stats.BudgetExceeded, pct(stats.BudgetExceeded))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.Throughput)
	fmt.Println(divider)
	fmt.Printf("Verdict latency (avg):  %.2fms\n", stats.Live.AverageLatencyMs)
	fmt.Printf("Verdict latency (p50):  %.2fms\n", stats.Live.LatencyP50Ms)
	fmt.Printf("Verdict latency (p95):  %.2fms\n", stats.Live.LatencyP95Ms)
	fmt.Printf("Verdict latency (p99):  %.2fms\n", stats.Live.LatencyP99Ms)
	fmt.Printf("Wall latency (max):     %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Every verdict must land within budget plus the abandon grace period.
	ceiling := config.Budget + gate.DefaultGracePeriod + 5*time.Millisecond
	if stats.MaxLatency <= ceiling {
		fmt.Printf("✅ PASS: Max latency within budget ceiling (%v)\n", ceiling)
	} else {
		fmt.Printf("❌ FAIL: Max latency %v above budget ceiling %v\n", stats.MaxLatency, ceiling)
	}
	if stats.Blocked >= stats.BudgetExceeded {
		fmt.Println("✅ PASS: Every timed-out evaluation was blocked")
	} else {
		fmt.Println("❌ FAIL: Some timed-out evaluations were not blocked")
	}
	fmt.Println(separator + "\n")
}
