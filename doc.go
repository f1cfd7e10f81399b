// Package satchel provides the offline-first persistence and synchronization
// core for gamified learning applications.
//
// Satchel keeps lesson content, material blobs, and learner progress in a
// local durable store, records every write in a durable mutation queue, and
// reconciles queued mutations against a remote data endpoint whenever
// connectivity allows.
//
// # Basic Usage
//
// Construct a service with default configuration:
//
//	cfg := satchel.DefaultConfig("data")
//	cfg.Remote = satchel.RemoteConfig{BaseURL: "https://api.example.org/rest/v1"}
//	cfg.Source = satchel.ContentSourceConfig{BaseURL: "https://content.example.org"}
//
//	svc, err := satchel.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
// Record learning events; every write lands locally first and is queued for
// upload, so the call succeeds with or without connectivity:
//
//	err := svc.SaveQuizResult(ctx, "user-1", "physics-quiz-3", 80, nil, 240)
//
// Drain the queue explicitly (also happens on a timer and on reconnect):
//
//	svc.TriggerSync(ctx)
//
// # Features
//
// Offline core:
//   - SQLite-backed durable store with additive schema migrations
//   - Append-only mutation queue with time-ordered identifiers
//   - Single-flight sync engine with per-entry failure isolation
//   - Content cache with per-material download progress, snappy
//     compression, and optional encryption at rest
package satchel
