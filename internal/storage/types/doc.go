// Package types defines the data model shared by the journal reader, the
// storage engine and the metrics pipeline.
//
// LogRecord is the unit of log ingestion; its MinuteKey is the unit of
// retention. FieldSchema splits a record's fields into typed columns and one
// opaque side-value. ProcessMetricsBatch is the unit of metrics delivery.
package types
