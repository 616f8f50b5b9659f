package metrics

import "expvar"

var (
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	FeedReconnects  = expvar.NewInt("feed_reconnects")
	TradesCopied    = expvar.NewInt("trades_copied")
	TradesSkipped   = expvar.NewInt("trades_skipped")
	CopyFailures    = expvar.NewInt("copy_failures")
	PriceRecomputes = expvar.NewInt("price_recomputes")
	CatalogPolls    = expvar.NewInt("catalog_polls")
)
