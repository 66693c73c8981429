// Command briefly runs the news summary pipeline.
//
// Architecture overview:
//   - producer: on a cron schedule, pages NewsAPI per configured topic, drops
//     articles already seen by this process (SHA-256 of the URL) and publishes
//     the rest to the queue (in-memory or Google Cloud Pub/Sub).
//   - consumer: pulls batches, summarizes each article (static, Claude or
//     OpenAI behind a circuit breaker, optionally fed page text extracted with
//     Colly) and persists one record per fingerprint through a conditional
//     insert. Transient failures are nacked until consumer.max_attempts, then
//     written to the dead-letter store (memory, local disk or GCS).
//   - api: serves stored summaries over HTTP with tag filtering and cursor
//     paging, plus /healthz, /readyz and /metrics.
//   - all: every component in one process, sharing the in-memory queue.
//
// Configuration comes from an optional --config file and BRIEFLY_* env vars,
// e.g. BRIEFLY_FEED_API_KEY, BRIEFLY_PRODUCER_TOPICS, BRIEFLY_QUEUE_DRIVER,
// BRIEFLY_STORE_DRIVER and BRIEFLY_DB_DSN.
//
// Run locally:
//
//	BRIEFLY_FEED_API_KEY=... briefly all --config config.yaml
//	briefly producer --once
package main
