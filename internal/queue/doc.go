// Package queue runs one generate worker and one publish worker per account.
//
// Each worker owns an in-memory FIFO and processes it with concurrency 1, so
// jobs of one account and stage run strictly in enqueue order while different
// accounts run in parallel. Failed attempts are retried inline with
// exponential backoff; handlers mark failures that must not be retried with
// Permanent.
package queue
