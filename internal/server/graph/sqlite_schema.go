package graph

// SQLite schema DDL constants

const schemaVertices = `
CREATE TABLE IF NOT EXISTS vertices (
    label TEXT NOT NULL,
    id TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    modified_at TEXT NOT NULL,
    PRIMARY KEY (label, id)
)`

const schemaEdges = `
CREATE TABLE IF NOT EXISTS edges (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    from_label TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_label TEXT NOT NULL,
    to_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(type, from_label, from_id, to_label, to_id),
    FOREIGN KEY (from_label, from_id) REFERENCES vertices(label, id),
    FOREIGN KEY (to_label, to_id) REFERENCES vertices(label, id)
)`

// Index definitions
const indexEdgesType = `CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type)`
const indexEdgesFrom = `CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_id)`
const indexEdgesTo = `CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_label, to_id)`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaVertices,
		schemaEdges,
		indexEdgesType,
		indexEdgesFrom,
		indexEdgesTo,
	}
}
