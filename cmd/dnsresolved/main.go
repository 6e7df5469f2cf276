// Command dnsresolved runs the iterative recursive DNS resolver: UDP and
// TCP listeners, the hand-rolled wire codec, and the shared TTL cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dnsresolved/dnsresolved/internal/cache"
	"github.com/dnsresolved/dnsresolved/internal/config"
	"github.com/dnsresolved/dnsresolved/internal/dispatcher"
	"github.com/dnsresolved/dnsresolved/internal/metrics"
	"github.com/dnsresolved/dnsresolved/internal/resolver"
	"github.com/dnsresolved/dnsresolved/internal/transport"
	"github.com/dnsresolved/dnsresolved/internal/worker"
)

var (
	cfgPath       = flag.String("config", "", "path to a YAML config file")
	udpAddr       = flag.String("udp", "", "UDP listen address (overrides config)")
	tcpAddr       = flag.String("tcp", "", "TCP listen address (overrides config)")
	rootServers   = flag.String("root-servers", "", "comma-separated root server ip:port list (overrides config)")
	cacheCapacity = flag.Int("cache-capacity", 0, "max cached names (overrides config)")
	hopTimeout    = flag.Duration("hop-timeout", 0, "per-upstream-hop timeout (overrides config)")
	maxIterations = flag.Int("max-iterations", 0, "max resolution iterations (overrides config)")
	workers       = flag.Int("workers", 0, "bounded TCP worker pool size (overrides config)")
	metricsAddr   = flag.String("metrics-addr", "", "Prometheus metrics listen address, empty disables it (overrides config)")
)

func main() {
	flag.Parse()

	fmt.Println("dnsresolved: iterative recursive DNS resolver")

	eff := config.Default()
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *cfgPath, err)
		}
		eff = eff.Merge(fileCfg)
	}
	if *udpAddr != "" {
		eff.UDPAddr = *udpAddr
	}
	if *tcpAddr != "" {
		eff.TCPAddr = *tcpAddr
	}
	if *rootServers != "" {
		eff.RootServers = strings.Split(*rootServers, ",")
	}
	if *cacheCapacity != 0 {
		eff.CacheCapacity = *cacheCapacity
	}
	if *hopTimeout != 0 {
		eff.HopTimeout = *hopTimeout
	}
	if *maxIterations != 0 {
		eff.MaxIterations = *maxIterations
	}
	if *workers != 0 {
		eff.WorkerPoolSize = *workers
	}
	if *metricsAddr != "" {
		eff.MetricsAddr = *metricsAddr
	}

	logger := log.New(os.Stderr, "dnsresolved: ", log.LstdFlags)

	fmt.Printf("  UDP address:     %s\n", eff.UDPAddr)
	fmt.Printf("  TCP address:     %s\n", eff.TCPAddr)
	fmt.Printf("  Cache capacity:  %d\n", eff.CacheCapacity)
	fmt.Printf("  Hop timeout:     %s\n", eff.HopTimeout)
	fmt.Printf("  Max iterations:  %d\n", eff.MaxIterations)
	fmt.Printf("  Worker pool:     %d\n", eff.WorkerPoolSize)
	if eff.MetricsAddr != "" {
		fmt.Printf("  Metrics address: %s\n", eff.MetricsAddr)
	}

	res := resolver.New(resolver.Config{
		CacheConfig:   cache.Config{MaxEntries: eff.CacheCapacity},
		RootServers:   eff.RootServers,
		QueryTimeout:  eff.HopTimeout,
		MaxIterations: eff.MaxIterations,
	})
	defer res.Close()

	pool := worker.NewPool(worker.Config{Workers: eff.WorkerPoolSize})
	defer pool.Close()

	d := dispatcher.New(res, logger)
	srv := transport.NewServer(transport.Config{
		UDPAddr:    eff.UDPAddr,
		TCPAddr:    eff.TCPAddr,
		WorkerPool: pool,
	}, d, logger)

	if eff.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Printf("metrics listening on %s", eff.MetricsAddr)
			if err := http.ListenAndServe(eff.MetricsAddr, mux); err != nil {
				logger.Printf("metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	go printStats(ctx, res)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatalf("listen: %v", err)
	}
}

// printStats logs periodic cache statistics and pushes the interval's hit/
// miss deltas onto the Prometheus cache counters (internal/cache's own
// counters are cumulative snapshots, not the scrape-ready deltas
// metrics.SyncCacheStats expects).
func printStats(ctx context.Context, res *resolver.Resolver) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastHits, lastMisses uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := res.GetStats()
			fmt.Printf("cache: %d entries, %d hits, %d misses, %d evictions\n",
				stats.Cache.Size, stats.Cache.Hits, stats.Cache.Misses, stats.Cache.Evictions)

			metrics.SyncCacheStats(stats.Cache.Hits-lastHits, stats.Cache.Misses-lastMisses)
			lastHits, lastMisses = stats.Cache.Hits, stats.Cache.Misses
		}
	}
}
