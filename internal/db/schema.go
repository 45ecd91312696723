package db

import "fmt"

const (
	entryTable = "content_entry"
	chunkTable = "content_chunk"
)

// schemaSQL defines the ledger and chunk tables. The record id of a ledger
// entry is "<content_type>/<name>", so identity uniqueness is enforced by the
// id itself; the unique index guards the same invariant on the fields.
func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
    -- ==========================================================================
    -- LEDGER
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS content_entry SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON content_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS content_type ON content_entry TYPE string
        ASSERT $value IN ["repo", "notebook", "blog", "slide", "slack"];
    DEFINE FIELD IF NOT EXISTS content_url ON content_entry TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS bucket_url ON content_entry TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS source_date ON content_entry TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS update_date ON content_entry TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS updated_at ON content_entry TYPE datetime;
    DEFINE FIELD IF NOT EXISTS processing_status ON content_entry TYPE string
        ASSERT $value IN ["staged", "ingest-pending", "ingested", "vectorize-pending", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS last_processing_attempt ON content_entry TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS failure_reason ON content_entry TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS retry_count ON content_entry TYPE int DEFAULT 0 ASSERT $value >= 0;
    DEFINE FIELD IF NOT EXISTS archive ON content_entry TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS chunk_count ON content_entry TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS version ON content_entry TYPE int;
    DEFINE FIELD IF NOT EXISTS previous_status ON content_entry TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS claim_id ON content_entry TYPE option<string>;

    DEFINE INDEX IF NOT EXISTS content_entry_identity ON content_entry FIELDS content_type, name UNIQUE;
    DEFINE INDEX IF NOT EXISTS content_entry_status ON content_entry FIELDS processing_status;

    -- ==========================================================================
    -- CHUNKS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS content_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS entry ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS content_type ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS position ON content_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS heading_path ON content_chunk TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS title ON content_chunk TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS source_url ON content_chunk TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS content ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON content_chunk TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created_at ON content_chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS content_chunk_entry ON content_chunk FIELDS entry;
    DEFINE INDEX IF NOT EXISTS content_chunk_embedding ON content_chunk FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`, dimension)
}
