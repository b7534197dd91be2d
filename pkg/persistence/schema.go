package persistence

// Backend schema. Column names are normative; a reader of the raw database
// should find exactly these five tables.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id         BLOB    NOT NULL,
	ts         INTEGER NOT NULL,
	table_id   BLOB    NOT NULL,
	json_value BLOB,
	deleted    INTEGER NOT NULL DEFAULT 0,
	prev_ts    INTEGER,
	PRIMARY KEY (ts, table_id, id)
);

CREATE INDEX IF NOT EXISTS documents_by_table_and_id
	ON documents (table_id, id, ts);

CREATE TABLE IF NOT EXISTS indexes (
	index_id    BLOB    NOT NULL,
	ts          INTEGER NOT NULL,
	key_prefix  BLOB    NOT NULL,
	key_suffix  BLOB,
	key_sha256  BLOB    NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	table_id    BLOB,
	document_id BLOB,
	PRIMARY KEY (index_id, key_prefix, key_sha256, ts)
);

CREATE TABLE IF NOT EXISTS leases (
	id INTEGER PRIMARY KEY,
	ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS read_only (
	id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS persistence_globals (
	key        TEXT PRIMARY KEY,
	json_value BLOB NOT NULL
);
`

const (
	getLeaseQuery     = `SELECT ts FROM leases WHERE id = 1`
	initLeaseQuery    = `INSERT INTO leases (id, ts) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`
	acquireLeaseQuery = `UPDATE leases SET ts = ? WHERE id = 1 AND ts < ?`
	assertLeaseQuery  = `SELECT ts FROM leases WHERE id = 1 AND ts = ?`

	isReadOnlyQuery    = `SELECT EXISTS (SELECT 1 FROM read_only WHERE id = 1)`
	setReadOnlyQuery   = `INSERT INTO read_only (id) VALUES (1) ON CONFLICT (id) DO NOTHING`
	unsetReadOnlyQuery = `DELETE FROM read_only WHERE id = 1`

	setGlobalQuery = `REPLACE INTO persistence_globals (key, json_value) VALUES (?, ?)`
	getGlobalQuery = `SELECT json_value FROM persistence_globals WHERE key = ?`

	maxTSQuery = `SELECT COALESCE(MAX(ts), 0) FROM documents`

	// One branch of the previous-revision batch lookup; chunked lookups
	// UNION ALL this shape once per query. query_ts rides along so rows
	// map back to the (id, ts) that asked for them.
	prevRevSelect = `
SELECT id, ts, table_id, json_value, deleted, prev_ts, ? AS query_ts
FROM documents
WHERE table_id = ? AND id = ? AND ts < ?
ORDER BY table_id DESC, id DESC, ts DESC
LIMIT 1`

	// Exact prev_ts resolution used by PreviousRevisionsOfDocuments.
	exactRevSelect = `
SELECT id, ts, table_id, json_value, deleted, prev_ts, ? AS query_ts
FROM documents
WHERE table_id = ? AND id = ? AND ts = ?`

	loadIndexChunkQuery = `
SELECT index_id, key_prefix, key_sha256, ts, key_suffix, deleted, table_id, document_id
FROM indexes
WHERE (index_id, key_prefix, key_sha256, ts) > (?, ?, ?, ?)
ORDER BY index_id ASC, key_prefix ASC, key_sha256 ASC, ts ASC
LIMIT ?`
)

// indexScanQuery resolves each candidate key to its latest entry at or
// before the snapshot, then joins the entry's document revision. The
// where clause and order direction are composed per call; the grouped
// subselect keeps at most one row per (key_prefix, key_sha256).
const indexScanQueryTemplate = `
SELECT I2.index_id, I2.key_prefix, I2.key_sha256, I2.key_suffix, I2.ts, I2.deleted, I2.document_id,
       D.table_id, D.json_value, D.deleted, D.prev_ts
FROM (
	SELECT I1.index_id, I1.key_prefix, I1.key_sha256, I1.key_suffix, I1.ts,
	       I1.deleted, I1.table_id, I1.document_id
	FROM (
		SELECT index_id, key_prefix, key_sha256, MAX(ts) AS ts_at_snapshot
		FROM indexes
		WHERE %s
		GROUP BY index_id, key_prefix, key_sha256
		ORDER BY index_id %[2]s, key_prefix %[2]s, key_sha256 %[2]s
		LIMIT ?
	) snapshot
	JOIN indexes I1
	ON I1.index_id = snapshot.index_id
	AND I1.key_prefix = snapshot.key_prefix
	AND I1.key_sha256 = snapshot.key_sha256
	AND I1.ts = snapshot.ts_at_snapshot
) I2
LEFT JOIN documents D
ON D.ts = I2.ts AND D.table_id = I2.table_id AND D.id = I2.document_id
`

const loadDocumentsAscQuery = `
SELECT id, ts, table_id, json_value, deleted, prev_ts
FROM documents
WHERE ts >= ? AND ts < ? AND (ts, table_id, id) > (?, ?, ?)
ORDER BY ts ASC, table_id ASC, id ASC
LIMIT ?`

const loadDocumentsDescQuery = `
SELECT id, ts, table_id, json_value, deleted, prev_ts
FROM documents
WHERE ts >= ? AND ts < ? AND (ts, table_id, id) < (?, ?, ?)
ORDER BY ts DESC, table_id DESC, id DESC
LIMIT ?`
