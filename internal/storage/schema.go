// Package storage journals volume operations in SQLite.
package storage

// Schema definitions for the operation journal
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	volume_id TEXT,
	status TEXT NOT NULL,
	request_json TEXT NOT NULL,
	result_json TEXT,
	error_kind TEXT,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_updated_at ON operations(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 adds request correlation and volume lookups
	SchemaV2 = `
ALTER TABLE operations ADD COLUMN correlation_id TEXT;
CREATE INDEX IF NOT EXISTS idx_operations_volume_id ON operations(volume_id);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
}
