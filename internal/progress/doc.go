// Package progress fans job lifecycle events out to observability sinks
// without ever blocking the job runners that emit them.
package progress
