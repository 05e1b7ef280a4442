// Package cmd defines the CLI commands for the recipe-importer executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts import jobs for video, webpage and image sources, answers status and
//     list queries scoped to the caller named by the owner header, and cancels jobs on request.
//   - Admission: internal/jobs.Service validates the source, persists a pending job, honours idempotency keys and
//     hands the job to the dispatcher. Every accepted job gets its own goroutine.
//   - Execution: internal/runner.Runner waits for one of pipeline.max_concurrency slots, then fetches the source,
//     extracts a recipe with the language model, optionally refines it and persists it. Progress only moves forward
//     and every job ends in exactly one terminal state.
//   - Cancellation: user cancels, per-job timeouts and shutdown all cancel the job's context with a distinct cause,
//     so the terminal state records why the job stopped.
//   - Persistence: jobs and recipes live in memory, SQLite or Postgres; uploads and thumbnails go to memory, a local
//     directory or GCS. Progress events are batched by internal/progress and fanned out to logs, Prometheus and
//     Pub/Sub.
//   - Recovery: internal/reaper fails jobs left non-terminal by a crashed process.
//
// Commands:
//   - serve: run the HTTP API and job runners until SIGINT or SIGTERM.
//   - reap: run one orphan sweep against the configured store and print what was failed.
//   - jobs: list a caller's jobs straight from the store.
//
// Configuration comes from config.yaml (see --config), RECIPES_* environment variables and an optional .env file.
package cmd
