package primary

const schemaRecords = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    agent_id TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
)`

const schemaLogs = `
CREATE TABLE IF NOT EXISTS logs (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT UNIQUE NOT NULL,
    agent_id TEXT NOT NULL,
    task_id TEXT,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
)`

const indexRecordsKind = `CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind, created_at)`
const indexRecordsAgent = `CREATE INDEX IF NOT EXISTS idx_records_agent ON records(agent_id)`
const indexLogsAgent = `CREATE INDEX IF NOT EXISTS idx_logs_agent ON logs(agent_id, created_at)`

func allSchemaStatements() []string {
	return []string{
		schemaRecords,
		schemaLogs,
		indexRecordsKind,
		indexRecordsAgent,
		indexLogsAgent,
	}
}
