// Package handlers holds the reusable pieces of the LUMA HTTP surface: the
// composite health checker behind /health and /ready, and the middleware the
// server chains in front of its routes.
//
// # Health Checks
//
// Checks run in parallel, each under its own timeout:
//
//	checker := handlers.NewCompositeHealthChecker("1.4.0")
//	checker.AddCheck("database", pool.Ping)
//	checker.AddCheck("redis", func(ctx context.Context) error {
//	    return rdb.Ping(ctx).Err()
//	})
//
//	status := checker.Check(ctx)
//
// # API Keys
//
// API keys are configured as bcrypt hashes only (HTTP_API_KEY_HASHES). Use
// HashKey, or `luma-api hash-key`, to produce one:
//
//	auth := handlers.NewAPIKeyAuth("X-API-Key", cfg.HTTP.APIKeyHashes)
//	mux.Handle("/api/", auth.Middleware(api))
//
// # Middleware
//
//	h := handlers.Chain(
//	    handlers.SecurityHeadersMiddleware,
//	    handlers.RequestSizeLimitMiddleware(1<<20),
//	)(mux)
package handlers
