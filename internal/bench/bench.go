// Package bench drives load through the bridge client and summarizes
// latency, throughput and failures.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrNoCaller = errors.New("bench: caller is nil")

// Caller issues one request. bridge.Client's Request, ParanoidRequest and
// Do all fit.
type Caller func(ctx context.Context, req envelope.Request) (envelope.Response, error)

type Config struct {
	// Duration bounds a time-boxed run. Zero means run until Requests is reached.
	Duration time.Duration
	// Requests bounds a count-boxed run. Zero with a Duration means unbounded.
	Requests    int
	Concurrency int
	// PayloadSize is the side of the square request matrix.
	PayloadSize int
	// Rate caps requests per second across all workers. Zero disables pacing.
	Rate float64
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		Requests:    100,
		Concurrency: 1,
		PayloadSize: 10,
		Seed:        1,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Duration <= 0 && c.Requests <= 0 {
		c.Requests = def.Requests
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PayloadSize <= 0 {
		c.PayloadSize = def.PayloadSize
	}
	if c.Seed == 0 {
		c.Seed = def.Seed
	}
	return c
}

type Result struct {
	Requests     int
	Errors       int
	ErrorsByKind map[string]int
	Elapsed      time.Duration
	Throughput   float64
	Min          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	Max          time.Duration
}

// Payload builds a size x size matrix request with values in [0, 100).
func Payload(size int, rng *rand.Rand) envelope.Request {
	matrix := make([][]int64, size)
	for i := range matrix {
		row := make([]int64, size)
		for j := range row {
			row[j] = rng.Int63n(100)
		}
		matrix[i] = row
	}
	return envelope.Request{
		SchemaVersion: envelope.SchemaV1,
		Matrix:        matrix,
		Model:         envelope.Model{Name: fmt.Sprintf("BenchmarkModel_%d", size), Version: "1.0"},
	}
}

// Run issues requests until the count or duration bound is hit. Failed calls
// are counted, never fatal; only ctx errors other than the run deadline
// abort the run.
func Run(ctx context.Context, cfg Config, call Caller) (Result, error) {
	if call == nil {
		return Result{}, ErrNoCaller
	}
	cfg = cfg.WithDefaults()
	req := Payload(cfg.PayloadSize, rand.New(rand.NewSource(cfg.Seed)))

	runCtx := ctx
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	var (
		issued    atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, max(cfg.Requests, 64))
		byKind    = make(map[string]int)
	)
	log.Info().
		Int("concurrency", cfg.Concurrency).
		Int("requests", cfg.Requests).
		Dur("duration", cfg.Duration).
		Int("payload", cfg.PayloadSize).
		Msg("bench.Run start")

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < cfg.Concurrency; w++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				if cfg.Requests > 0 && issued.Add(1) > int64(cfg.Requests) {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				t0 := time.Now()
				_, err := call(gctx, req)
				d := time.Since(t0)
				if err != nil && gctx.Err() != nil {
					// Cut off by the run deadline; not a sample.
					return nil
				}

				mu.Lock()
				latencies = append(latencies, d)
				if err != nil {
					byKind[errorKind(err)]++
				}
				mu.Unlock()
			}
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := summarize(latencies, byKind, elapsed)
	log.Info().
		Int("requests", res.Requests).
		Int("errors", res.Errors).
		Float64("throughput", res.Throughput).
		Dur("p50", res.P50).
		Dur("p99", res.P99).
		Msg("bench.Run done")
	return res, nil
}

func errorKind(err error) string {
	var be *bridge.Error
	if errors.As(err, &be) {
		return be.Kind.String()
	}
	return "other"
}

func summarize(latencies []time.Duration, byKind map[string]int, elapsed time.Duration) Result {
	res := Result{
		Requests:     len(latencies),
		ErrorsByKind: byKind,
		Elapsed:      elapsed,
	}
	for _, n := range byKind {
		res.Errors += n
	}
	if len(latencies) == 0 {
		return res
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	res.Min = sorted[0]
	res.Max = sorted[len(sorted)-1]
	res.Mean = total / time.Duration(len(sorted))
	res.P50 = Percentile(sorted, 50)
	res.P95 = Percentile(sorted, 95)
	res.P99 = Percentile(sorted, 99)
	if elapsed > 0 {
		res.Throughput = float64(len(sorted)) / elapsed.Seconds()
	}
	return res
}

// Percentile uses nearest rank over an ascending slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}

// WriteText prints a human summary.
func (r Result) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"requests=%d errors=%d elapsed=%s throughput=%.1f req/s\nlatency min=%s mean=%s p50=%s p95=%s p99=%s max=%s\n",
		r.Requests, r.Errors, r.Elapsed.Round(time.Millisecond), r.Throughput,
		r.Min, r.Mean, r.P50, r.P95, r.P99, r.Max,
	)
	if err != nil {
		return err
	}
	kinds := make([]string, 0, len(r.ErrorsByKind))
	for k := range r.ErrorsByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		if _, err := fmt.Fprintf(w, "errors[%s]=%d\n", k, r.ErrorsByKind[k]); err != nil {
			return err
		}
	}
	return nil
}
