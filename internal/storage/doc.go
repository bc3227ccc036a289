// Package storage implements the embedded DuckDB store behind the agent.
//
// Engine owns the single database handle. It provides:
//   - log ingestion, auto-committed per record or batched in one transaction
//   - process metrics ingestion, one transaction plus checkpoint per batch
//   - parameterized log queries over an allow-listed set of columns
//   - buffer statistics, table and file size measurement
//   - retention: exact age purge, then bounded oldest-minute size eviction
//
// All mutations are serialized behind one write mutex; readers share the
// connection pool and see whatever DuckDB's MVCC gives them.
//
// Layout:
//
//	journal_logs     timestamp, minute_key, typed allow-list columns, extra_fields
//	process_metrics  timestamp, pid, name, cpu_usage, mem_bytes, user_id, runtime_secs
//	_schema_version  applied migration count
package storage
