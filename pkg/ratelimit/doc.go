/*
Package ratelimit provides per-provider token buckets for dispatch gating.

Each provider has one Bucket (capacity = burst, refill rate in tokens per
second). Refill uses whole-token arithmetic: the last-refill clock advances by
exactly the duration the added tokens represent, so fractional refills
accumulate without drift. TryConsume removes one token atomically and returns
a Decision carrying the remaining tokens, the instant the next token lands,
and a suggested wait when denied.

The Manager keeps a provider -> bucket map under a read-mostly lock; buckets
materialize lazily with defaults the first time a provider is touched.

	mgr := ratelimit.NewManager(broker)
	mgr.Configure("anthropic", 10, 2.0)

	d := mgr.TryConsume("anthropic")
	if !d.Allowed {
		time.Sleep(time.Duration(d.WaitMs) * time.Millisecond)
	}

QuotaManager layers rolling daily/weekly/monthly request counting (persisted
in the store's fixed hourly windows) on top. Quota applies only to providers
that advertise limits and is authoritative when present.
*/
package ratelimit
