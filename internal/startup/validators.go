package startup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixaill76/evm_gateway/internal/adapter"
)

// Summary counts endpoint probe outcomes across all networks.
type Summary struct {
	Networks    int
	Endpoints   int
	Reachable   int
	Unreachable int
	// Unavailable lists networks where no endpoint answered.
	Unavailable []string
}

// VerifyEndpointsAtStartup probes every configured endpoint with eth_chainId,
// networks in parallel. Unreachable or wrong-chain endpoints start DOWN and are
// logged; startup continues and the prober brings them back later.
func VerifyEndpointsAtStartup(ctx context.Context, registry *adapter.Registry, timeout time.Duration, log *slog.Logger) Summary {
	networks := registry.All()
	summary := Summary{Networks: len(networks)}
	log.Info("Checking upstream endpoints at startup", "networks", len(networks))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, ad := range networks {
		g.Go(func() error {
			failures := ad.ProbeAll(gctx, timeout)
			total := len(ad.Endpoints())

			for name, err := range failures {
				log.Warn("Endpoint unreachable at startup",
					"network", ad.Name(),
					"endpoint", name,
					"error", err.Error(),
					"recommendation", "Verify the node URL and chain_id. The endpoint is retried by the background prober",
				)
			}
			if len(failures) == total && total > 0 {
				log.Error("WARNING: All endpoints of a network are unreachable at startup",
					"network", ad.Name(),
					"total", total,
					"impact", "Requests for this network fail with -32001 until an endpoint recovers",
				)
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Endpoints += total
			summary.Unreachable += len(failures)
			summary.Reachable += total - len(failures)
			if len(failures) == total && total > 0 {
				summary.Unavailable = append(summary.Unavailable, ad.Name())
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Endpoint check completed at startup",
		"networks", summary.Networks,
		"endpoints", summary.Endpoints,
		"reachable", summary.Reachable,
		"unreachable", summary.Unreachable,
	)
	return summary
}
