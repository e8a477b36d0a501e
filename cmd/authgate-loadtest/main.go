// Command authgate-loadtest measures Check and Refresh throughput against a
// Redis-backed gateway.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/kv/redisstore"
	"github.com/MrEthical07/authgate/rbac"
)

type subjectState struct {
	access  string
	refresh string
	mu      sync.Mutex
}

func main() {
	var (
		subjects    = flag.Int("subjects", 10000, "number of subjects to log in")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (check + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "authgate-load", "store key prefix")
	)
	flag.Parse()

	if *subjects <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "subjects, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	client, cleanup, err := openRedis(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	gate, err := buildGateway(client, *prefix, *subjects)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build gateway: %v\n", err)
		os.Exit(1)
	}
	defer gate.Close()

	states := make([]subjectState, *subjects)
	fmt.Printf("logging in %d subjects...\n", *subjects)
	startSeed := time.Now()
	seed, seedCtx := errgroup.WithContext(ctx)
	seed.SetLimit(*concurrency)
	for i := range states {
		seed.Go(func() error {
			res, err := gate.Login(seedCtx, subjectID(i))
			if err != nil {
				return fmt.Errorf("login %d: %w", i, err)
			}
			states[i].access = res.Tokens.AccessToken
			states[i].refresh = res.Tokens.RefreshToken
			return nil
		})
	}
	if err := seed.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	checkStats := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		s := &states[r.IntN(len(states))]
		s.mu.Lock()
		access := s.access
		s.mu.Unlock()
		if d := gate.Check(ctx, access, "read:entities"); !d.Allowed() {
			return d.Err
		}
		return nil
	})
	refreshStats := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		s := &states[r.IntN(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := gate.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("check", checkStats)
	printStats("refresh", refreshStats)

	snap := gate.MetricsSnapshot()
	fmt.Printf("reuse_detected=%d store_unavailable=%d\n",
		snap.Counters[authgate.MetricRefreshReuseDetected],
		snap.Counters[authgate.MetricStoreUnavailable])
}

func openRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func buildGateway(client redis.UniversalClient, prefix string, subjects int) (*authgate.Gateway, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		return nil, err
	}

	cfg := authgate.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.APIKey.Pepper = pepper
	cfg.RateLimit.Enabled = false
	cfg.Audit.Enabled = false
	cfg.Metrics.EnableLatencyHistograms = true

	principals := make([]authgate.Principal, subjects)
	for i := range principals {
		principals[i] = authgate.Principal{ID: subjectID(i), Roles: []string{"member"}, Active: true}
	}

	return authgate.New().
		WithConfig(cfg).
		WithStore(redisstore.New(client, prefix)).
		WithRoles(map[string]rbac.Role{"member": {Permissions: []string{"read:entities"}}}).
		WithPrincipalSource(authgate.NewStaticPrincipals(principals...)).
		Build()
}

func subjectID(i int) string {
	return fmt.Sprintf("user-%d", i)
}

func runPhase(ops, concurrency int, op func(r *mrand.Rand) error) phaseStats {
	var (
		g         errgroup.Group
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			r := mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)*7919))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					break
				}
				t0 := time.Now()
				if err := op(r); err != nil {
					atomic.AddInt64(&failures, 1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
