// Package httpserver exposes the auction mirror over HTTP.
//
// BaseServer carries the operational surface shared by every deployment:
//
//   - Liveness Check: /livez
//   - Readiness Check: /readyz, toggled by /drain and /undrain so load balancers
//     stop routing before shutdown
//   - Metrics: Prometheus endpoint on a separate listener
//   - Profiling: optional pprof endpoints under /debug
//
// AuctionHandler registers the API routes. Callers are identified by the
// actor header, which the session layer in front of the service sets to the
// caller's base58 public key. Every route except event ingestion passes
// through the per-origin API rate limit.
//
//	POST /v1/auctions                          create (201, unsigned tx)
//	GET  /v1/auctions/{auctionId}              mirror view
//	GET  /v1/auctions/{auctionId}/ranking      revealed ranking and settlement
//	POST /v1/auctions/{auctionId}/bids         sealed bid (201, unsigned tx)
//	POST /v1/auctions/{auctionId}/cancel       seller cancel
//	POST /v1/auctions/{auctionId}/reveal       reveal tx after opening check
//	POST /v1/auctions/{auctionId}/settle       settlement tx
//	POST /v1/auctions/{auctionId}/refund       collateral refund tx
//	GET  /v1/transactions/{signature}          wait for confirmation
//	POST /v1/events                            signed ledger event batch
//
// Errors are returned as {"code","message","fields"} with the status of
// their apperr kind.
//
// # Usage Example
//
//	handler, _ := httpserver.NewAuctionHandler(httpserver.AuctionHandlerConfig{
//	    Auctions: orchestrator,
//	    Events:   reconciler,
//	    Limiter:  limiter,
//	})
//	srv, _ := httpserver.New(cfg, handler)
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
