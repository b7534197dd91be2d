package persistence

import (
	"fmt"
	"strings"
)

// Insert batches are split across a fixed menu of statement sizes rather
// than one statement per batch length. A batch of 1000 rows becomes three
// 256-row statements, three 64-row statements, and five 8-row statements,
// so the prepared-statement cache only ever holds a handful of shapes.
var smartChunkSizes = []int{1024, 256, 64, 8, 1}

// smartChunks splits n items into chunk lengths drawn from smartChunkSizes,
// largest first.
func smartChunks(n int) []int {
	var out []int
	for _, size := range smartChunkSizes {
		for n >= size {
			out = append(out, size)
			n -= size
		}
	}
	return out
}

const insertDocumentColumns = "(id, ts, table_id, json_value, deleted, prev_ts)"
const insertIndexColumns = "(index_id, ts, key_prefix, key_suffix, key_sha256, deleted, table_id, document_id)"

// insertDocumentChunk renders the INSERT statement for one chunk size.
func insertDocumentChunk(chunkSize int, overwrite bool) string {
	verb := "INSERT"
	if overwrite {
		verb = "REPLACE"
	}
	return fmt.Sprintf("%s INTO documents %s VALUES %s",
		verb, insertDocumentColumns, valueTuples(chunkSize, 6))
}

// insertIndexChunk renders the INSERT statement for one chunk size.
func insertIndexChunk(chunkSize int, overwrite bool) string {
	verb := "INSERT"
	if overwrite {
		verb = "REPLACE"
	}
	return fmt.Sprintf("%s INTO indexes %s VALUES %s",
		verb, insertIndexColumns, valueTuples(chunkSize, 8))
}

// deleteDocumentChunk renders the bulk delete for one chunk size.
func deleteDocumentChunk(chunkSize int) string {
	return fmt.Sprintf(
		"DELETE FROM documents WHERE (ts, table_id, id) IN (VALUES %s)",
		valueTuples(chunkSize, 3))
}

// deleteIndexChunk renders the bulk delete for one chunk size.
func deleteIndexChunk(chunkSize int) string {
	return fmt.Sprintf(
		"DELETE FROM indexes WHERE (index_id, key_prefix, key_sha256, ts) IN (VALUES %s)",
		valueTuples(chunkSize, 4))
}

// prevRevChunk renders the batched previous-revision lookup for one chunk
// size: a UNION ALL of per-query single-row selects.
func prevRevChunk(chunkSize int, exact bool) string {
	sel := prevRevSelect
	if exact {
		sel = exactRevSelect
	}
	parts := make([]string, chunkSize)
	for i := range parts {
		parts[i] = "SELECT * FROM (" + sel + ")"
	}
	return strings.Join(parts, " UNION ALL ")
}

func valueTuples(rows, cols int) string {
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	tuples := make([]string, rows)
	for i := range tuples {
		tuples[i] = one
	}
	return strings.Join(tuples, ", ")
}
