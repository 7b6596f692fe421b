// Package workerpool provides fixed-size pools of long-lived workers fed by a
// bounded FIFO queue.
//
// The cache runs two of them: a wide pool for disk writes and a narrow pool for
// file deletions. What happens when the queue is full is an explicit choice made
// per pool (OverflowBlock or OverflowReject) rather than unbounded growth.
package workerpool
