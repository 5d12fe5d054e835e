// Package main hosts the csv-harvester entrypoint.
//
// Modes:
//   - schedule (default): runs one harvest cycle per day at schedule.at. A cycle still running when the next one
//     comes due is deferred, never overlapped. The ops HTTP server (internal/api) exposes health, metrics, the
//     schedule state, the last cycle report and a manual trigger.
//   - once: runs a single harvest cycle and exits.
//   - ingest: loads every *.csv file under ingest.input_dir into the configured document store, one document per
//     valid row.
//
// A harvest cycle opens a page driver (chromedp by default, or a static goquery driver), dismisses the certificate
// interstitial when present, collects every CSV anchor, downloads them through a bounded colly worker pool with
// retry and HTML-vs-CSV validation, and publishes a cycle report (Pub/Sub when configured, in-memory otherwise).
//
// Quick checklist:
//   - Credentials: HARVESTER_HTTP_USERNAME and HARVESTER_HTTP_PASSWORD, either exported or in the .env file.
//   - Target: HARVESTER_TARGET_URL is required for schedule and once modes.
//   - Run locally: go run ./cmd/harvester -config config.yaml -mode once
package main
