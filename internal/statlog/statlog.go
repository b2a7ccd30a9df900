// Package statlog implements the worker's periodic JSON stat timeline:
// one line-delimited JSON record appended per tracked event, rotated
// through lumberjack so a long-running worker daemon's stat timeline never
// grows unbounded.
package statlog

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one line of the stat timeline. Only the fields relevant to
// the event being recorded need be set; Kind discriminates which.
type Record struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp_unix_ns"`

	RequestsDropped   uint64 `json:"requests_dropped,omitempty"`
	Evictions         uint64 `json:"evictions,omitempty"`
	RequestsCompleted uint64 `json:"requests_completed,omitempty"`
	VMsCreated        uint64 `json:"vms_created,omitempty"`
	BootTimestamp     int64  `json:"boot_timestamp,omitempty"`
	EvictionTimestamp int64  `json:"eviction_timestamp,omitempty"`
	RequestTimestamp  int64  `json:"request_timestamp,omitempty"`
	ResponseTimestamp int64  `json:"response_timestamp,omitempty"`
	VMMemorySizeBytes uint64 `json:"vm_memory_size_bytes,omitempty"`
	FunctionKey       string `json:"function_key,omitempty"`
}

// Log appends newline-delimited JSON Records to a rotated file. Counters
// (RequestsDropped, Evictions, ...) are tracked here as running totals; each
// record carries the current total of the one counter its Kind advances (a
// boot record carries VMsCreated, an eviction record Evictions, and so on).
type Log struct {
	w *lumberjack.Logger

	mu                sync.Mutex
	requestsDropped   uint64
	evictions         uint64
	requestsCompleted uint64
	vmsCreated        uint64
}

// Open starts a stat timeline writer at path, rotating at maxSizeMB (0 uses
// lumberjack's own default of 100MB) and keeping maxBackups old files.
func Open(path string, maxSizeMB, maxBackups int) *Log {
	return &Log{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

// Close flushes and closes the underlying rotated file.
func (l *Log) Close() error { return l.w.Close() }

func (l *Log) appendLocked(r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("statlog: marshal record: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := l.w.Write(raw); err != nil {
		return fmt.Errorf("statlog: write record: %w", err)
	}
	return nil
}

// RecordBoot appends a vm-boot timeline entry and increments VMsCreated.
func (l *Log) RecordBoot(functionKey string, memoryBytes uint64, whenUnixNano int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vmsCreated++
	return l.appendLocked(Record{
		Kind: "boot", Timestamp: whenUnixNano, VMsCreated: l.vmsCreated,
		BootTimestamp: whenUnixNano, VMMemorySizeBytes: memoryBytes, FunctionKey: functionKey,
	})
}

// RecordEviction appends a VM-eviction timeline entry.
func (l *Log) RecordEviction(functionKey string, whenUnixNano int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictions++
	return l.appendLocked(Record{
		Kind: "eviction", Timestamp: whenUnixNano, Evictions: l.evictions,
		EvictionTimestamp: whenUnixNano, FunctionKey: functionKey,
	})
}

// RecordRequestDropped appends a dropped-request timeline entry (e.g.
// ResourceExhausted before a slot could even be attempted).
func (l *Log) RecordRequestDropped(whenUnixNano int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestsDropped++
	return l.appendLocked(Record{Kind: "request_dropped", Timestamp: whenUnixNano, RequestsDropped: l.requestsDropped})
}

// RecordCompletion appends a request/response timeline entry spanning
// requestedAt..respondedAt.
func (l *Log) RecordCompletion(functionKey string, requestedAt, respondedAt int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestsCompleted++
	return l.appendLocked(Record{
		Kind: "completion", Timestamp: respondedAt, RequestsCompleted: l.requestsCompleted,
		RequestTimestamp: requestedAt, ResponseTimestamp: respondedAt, FunctionKey: functionKey,
	})
}
