// Package sqlengine defines the contracts between the SQL surface and the
// backing engine: query execution, temp-table registration for map
// interception, scalar function hosting, and the vector backend.
package sqlengine

import "context"

type (
	// Rows is a materialized query result. Column order is preserved from
	// the query projection.
	Rows struct {
		Columns []string
		Rows    []map[string]any
	}

	// Engine executes SQL and hosts the scalar functions the rewriter
	// targets. Implementations must be safe for concurrent use.
	Engine interface {
		// Query runs a statement and materializes the result.
		Query(ctx context.Context, sql string, args ...any) (*Rows, error)
		// Exec runs a statement that produces no rows.
		Exec(ctx context.Context, sql string, args ...any) error
		// RegisterTable makes rows queryable under the given name for the
		// remainder of the session. Used by map interception to hand
		// parallel results back to the engine.
		RegisterTable(ctx context.Context, name string, rows *Rows) error
		// RegisterFunc installs a scalar function callable from SQL.
		// Arguments arrive as driver values; the return value is a string.
		RegisterFunc(name string, arity int, fn ScalarFunc) error
	}

	// ScalarFunc is a SQL-callable scalar function.
	ScalarFunc func(ctx context.Context, args []any) (string, error)

	// EmbedRecord is one row written into the vector backend.
	EmbedRecord struct {
		ID       string
		Text     string
		Vector   []float32
		Metadata map[string]any
	}

	// ScoredRow is one vector search hit.
	ScoredRow struct {
		ID       string         `json:"id"`
		Text     string         `json:"text"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	}

	// VectorBackend stores embeddings and answers top-k searches.
	VectorBackend interface {
		Upsert(ctx context.Context, records []EmbedRecord) error
		// Search returns the top k rows scoring at or above minScore whose
		// metadata matches every filter entry.
		Search(ctx context.Context, vector []float32, k int, minScore float64, filter map[string]any) ([]ScoredRow, error)
	}

	// Embedder converts texts to vectors.
	Embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float32, error)
	}
)
