package storage

import (
	"context"
	"fmt"
)

// Migrate ensures the required tables are present. dims sizes the postgres
// vector column; zero leaves it unconstrained.
func Migrate(db *DB, dims int) error {
	var stmts []string
	switch db.Dialect {
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id INTEGER NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				key_hash TEXT NOT NULL UNIQUE,
				created_at DATETIME NOT NULL,
				revoked_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id INTEGER NOT NULL,
				file_name TEXT NOT NULL,
				media_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				stored_path TEXT NOT NULL,
				uploaded_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, uploaded_at)`,
			`CREATE TABLE IF NOT EXISTS document_contents (
				document_id INTEGER PRIMARY KEY,
				extracted_text TEXT,
				embedding TEXT,
				confidence REAL NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				processed_at DATETIME,
				FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS document_metadata (
				document_id INTEGER PRIMARY KEY,
				category TEXT NOT NULL DEFAULT 'other',
				tags TEXT NOT NULL DEFAULT '[]',
				entities TEXT NOT NULL DEFAULT '{}',
				description TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS indexing_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id INTEGER NOT NULL,
				kind TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 5,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				scheduled_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME,
				last_error TEXT NOT NULL DEFAULT '',
				worker_id TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON indexing_jobs(status, priority DESC, scheduled_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_document ON indexing_jobs(document_id)`,
			`CREATE TABLE IF NOT EXISTS search_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id INTEGER NOT NULL,
				query TEXT NOT NULL,
				results_count INTEGER NOT NULL,
				searched_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_search_logs_owner ON search_logs(owner_id, searched_at)`,
		}
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id BIGINT NOT NULL AUTO_INCREMENT,
				owner_id BIGINT NOT NULL,
				label VARCHAR(255) NOT NULL DEFAULT '',
				key_hash CHAR(64) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				revoked_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_api_keys_hash (key_hash)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGINT NOT NULL AUTO_INCREMENT,
				owner_id BIGINT NOT NULL,
				file_name VARCHAR(512) NOT NULL,
				media_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				stored_path TEXT NOT NULL,
				uploaded_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_documents_owner (owner_id, uploaded_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS document_contents (
				document_id BIGINT NOT NULL,
				extracted_text LONGTEXT NULL,
				embedding MEDIUMTEXT NULL,
				confidence DOUBLE NOT NULL DEFAULT 0,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				processed_at DATETIME(6) NULL,
				PRIMARY KEY (document_id),
				CONSTRAINT fk_contents_document FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS document_metadata (
				document_id BIGINT NOT NULL,
				category VARCHAR(32) NOT NULL DEFAULT 'other',
				tags JSON NOT NULL,
				entities JSON NOT NULL,
				description TEXT NOT NULL,
				confidence DOUBLE NOT NULL DEFAULT 0,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (document_id),
				CONSTRAINT fk_metadata_document FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS indexing_jobs (
				id BIGINT NOT NULL AUTO_INCREMENT,
				document_id BIGINT NOT NULL,
				kind VARCHAR(20) NOT NULL,
				priority INT NOT NULL DEFAULT 5,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL DEFAULT 3,
				scheduled_at DATETIME(6) NOT NULL,
				started_at DATETIME(6) NULL,
				completed_at DATETIME(6) NULL,
				last_error TEXT NOT NULL,
				worker_id VARCHAR(64) NOT NULL DEFAULT '',
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_jobs_claim (status, priority, scheduled_at),
				INDEX idx_jobs_document (document_id),
				CONSTRAINT fk_jobs_document FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS search_logs (
				id BIGINT NOT NULL AUTO_INCREMENT,
				owner_id BIGINT NOT NULL,
				query VARCHAR(1000) NOT NULL,
				results_count INT NOT NULL,
				searched_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_search_logs_owner (owner_id, searched_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case Postgres:
		vectorType := "vector"
		if dims > 0 {
			vectorType = fmt.Sprintf("vector(%d)", dims)
		}
		stmts = []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id BIGSERIAL PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				key_hash TEXT NOT NULL UNIQUE,
				created_at TIMESTAMPTZ NOT NULL,
				revoked_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGSERIAL PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				file_name TEXT NOT NULL,
				media_type TEXT NOT NULL,
				size BIGINT NOT NULL,
				stored_path TEXT NOT NULL,
				uploaded_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, uploaded_at)`,
			`CREATE TABLE IF NOT EXISTS document_contents (
				document_id BIGINT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
				extracted_text TEXT,
				embedding ` + vectorType + `,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				processed_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS document_metadata (
				document_id BIGINT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
				category TEXT NOT NULL DEFAULT 'other',
				tags JSONB NOT NULL DEFAULT '[]'::jsonb,
				entities JSONB NOT NULL DEFAULT '{}'::jsonb,
				description TEXT NOT NULL DEFAULT '',
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_metadata_tags ON document_metadata USING GIN (tags)`,
			`CREATE TABLE IF NOT EXISTS indexing_jobs (
				id BIGSERIAL PRIMARY KEY,
				document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 5,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				scheduled_at TIMESTAMPTZ NOT NULL,
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				last_error TEXT NOT NULL DEFAULT '',
				worker_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON indexing_jobs(status, priority DESC, scheduled_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_document ON indexing_jobs(document_id)`,
			`CREATE TABLE IF NOT EXISTS search_logs (
				id BIGSERIAL PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				query TEXT NOT NULL,
				results_count INTEGER NOT NULL,
				searched_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_search_logs_owner ON search_logs(owner_id, searched_at)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.Dialect)
	}

	ctx := context.Background()
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Dialect, err)
		}
	}
	return nil
}
