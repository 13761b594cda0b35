package finalize

import (
	"fmt"
	"strings"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
	"github.com/withobsrvr/duckdb-sync-consumer/uploader"
)

// duckdbType maps a catalog logical type onto the DuckDB column type used in
// final tables.
func duckdbType(t catalog.ColumnType) string {
	switch t {
	case catalog.ColumnTypeInteger:
		return "BIGINT"
	case catalog.ColumnTypeNumber:
		return "DOUBLE"
	case catalog.ColumnTypeBoolean:
		return "BOOLEAN"
	case catalog.ColumnTypeTimestamp:
		return "TIMESTAMP"
	case catalog.ColumnTypeJSON:
		return "JSON"
	default:
		return "VARCHAR"
	}
}

// jsonPath renders the JSON path expression for one declared column.
func jsonPath(name string) string {
	return `'$."` + strings.ReplaceAll(name, `"`, `\"`) + `"'`
}

// castExpr renders the typed extraction of one column from the raw _data
// payload.
func castExpr(col catalog.Column) string {
	path := jsonPath(col.Name)
	switch col.Type {
	case catalog.ColumnTypeString:
		return fmt.Sprintf("json_extract_string(_data, %s)", path)
	case catalog.ColumnTypeTimestamp:
		return fmt.Sprintf("CAST(json_extract_string(_data, %s) AS TIMESTAMP)", path)
	case catalog.ColumnTypeJSON:
		return fmt.Sprintf("json_extract(_data, %s)", path)
	default:
		return fmt.Sprintf("CAST(json_extract(_data, %s) AS %s)", path, duckdbType(col.Type))
	}
}

// finalTableName returns the qualified final table for a stream.
func finalTableName(finalSchema string, id protocol.StreamID) string {
	return uploader.QuoteIdent(finalSchema) + "." + uploader.QuoteIdent(id.Namespace+"__"+id.Name)
}

// tmpTableName returns the per-run temp table a stream's typed rows are
// staged in before commit.
func tmpTableName(finalSchema string, id protocol.StreamID, runID string) string {
	return uploader.QuoteIdent(finalSchema) + "." + uploader.QuoteIdent(id.Namespace+"__"+id.Name+"__tmp_"+runID)
}

// typedSelectSQL builds the SELECT that types raw rows into the stream's
// declared columns. For append_dedup streams the newest row per primary key
// wins, ordered by extraction time.
func typedSelectSQL(stream catalog.StreamConfig, rawTable string) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for _, col := range stream.Columns {
		sb.WriteString(castExpr(col))
		sb.WriteString(" AS ")
		sb.WriteString(uploader.QuoteIdent(col.Name))
		sb.WriteString(", ")
	}
	sb.WriteString("_raw_id, _extracted_at FROM ")
	sb.WriteString(rawTable)

	if stream.Mode == protocol.SyncModeAppendDedup && len(stream.PrimaryKey) > 0 {
		keys := make([]string, len(stream.PrimaryKey))
		for i, k := range stream.PrimaryKey {
			keys[i] = uploader.QuoteIdent(k)
		}
		sb.WriteString(" QUALIFY ROW_NUMBER() OVER (PARTITION BY ")
		sb.WriteString(strings.Join(keys, ", "))
		sb.WriteString(" ORDER BY _extracted_at DESC) = 1")
	}
	return sb.String()
}

// deleteMatchingSQL builds the delete that clears rows superseded by the
// staged delta for an append_dedup stream.
func deleteMatchingSQL(finalTable, tmpTable string, primaryKey []string) string {
	keys := make([]string, len(primaryKey))
	for i, k := range primaryKey {
		keys[i] = uploader.QuoteIdent(k)
	}
	keyList := strings.Join(keys, ", ")
	return fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (SELECT %s FROM %s)",
		finalTable, keyList, keyList, tmpTable)
}
