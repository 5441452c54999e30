package migration

// DefinedMigrations returns the complete ordered migration history of the
// Canary Protocol database. New schema changes are appended here with a
// version higher than every existing entry; released entries are never
// edited.
func DefinedMigrations() []Migration {
	return []Migration{
		{
			Version:     "1.0.0",
			Description: "Initial database schema",
			UpSQL: []string{
				`CREATE TABLE IF NOT EXISTS weekly_digests (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					date TEXT UNIQUE,
					top_headlines TEXT,
					urgency_score INTEGER,
					ai_analysis TEXT,
					economic_data TEXT,
					social_sentiment TEXT,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS daily_headlines (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					date TEXT,
					source TEXT,
					title TEXT,
					url TEXT,
					content TEXT,
					urgency_keywords TEXT,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS daily_economic (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					date TEXT,
					indicator TEXT,
					value REAL,
					change_percent REAL,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS user_feedback (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					digest_date TEXT,
					rating INTEGER,
					comments TEXT,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS keyword_performance (
					keyword TEXT PRIMARY KEY,
					accuracy_score REAL DEFAULT 0.5,
					total_occurrences INTEGER DEFAULT 0,
					last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
			},
			DownSQL: []string{
				`DROP TABLE IF EXISTS keyword_performance`,
				`DROP TABLE IF EXISTS user_feedback`,
				`DROP TABLE IF EXISTS daily_economic`,
				`DROP TABLE IF EXISTS daily_headlines`,
				`DROP TABLE IF EXISTS weekly_digests`,
			},
		},
		{
			Version:     "1.1.0",
			Description: "Add individual article feedback tables",
			UpSQL: []string{
				`CREATE TABLE IF NOT EXISTS individual_article_feedback (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					digest_date TEXT,
					article_url TEXT,
					article_title TEXT,
					article_source TEXT,
					user_rating INTEGER,
					ai_overall_urgency INTEGER,
					feedback_type TEXT,
					comments TEXT,
					feedback_date TEXT,
					FOREIGN KEY (digest_date) REFERENCES weekly_digests(date)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_article_feedback_date
					ON individual_article_feedback(digest_date)`,
				`CREATE INDEX IF NOT EXISTS idx_article_feedback_source
					ON individual_article_feedback(article_source)`,
			},
			DownSQL: []string{
				`DROP INDEX IF EXISTS idx_article_feedback_source`,
				`DROP INDEX IF EXISTS idx_article_feedback_date`,
				`DROP TABLE IF EXISTS individual_article_feedback`,
			},
		},
		{
			// The original release shipped with an inconsistent column name;
			// this rename has no safe automatic reverse, so it defines no
			// DownSQL.
			Version:     "1.2.0",
			Description: "Standardize column names (user_rating -> user_urgency_rating)",
			UpSQL: []string{
				`ALTER TABLE individual_article_feedback
					RENAME COLUMN user_rating TO user_urgency_rating`,
			},
		},
		{
			Version:     "1.3.0",
			Description: "Add lifecycle bookkeeping tables",
			UpSQL: []string{
				`CREATE TABLE IF NOT EXISTS archival_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					table_name TEXT NOT NULL,
					date_column TEXT NOT NULL,
					retention_days INTEGER NOT NULL,
					cutoff TEXT NOT NULL,
					archived_rows INTEGER NOT NULL,
					archive_file TEXT NOT NULL,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS restore_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					timestamp TEXT NOT NULL,
					backup_file TEXT NOT NULL,
					restore_type TEXT NOT NULL,
					safety_backup TEXT,
					status TEXT NOT NULL,
					notes TEXT
				)`,
			},
			DownSQL: []string{
				`DROP TABLE IF EXISTS restore_history`,
				`DROP TABLE IF EXISTS archival_history`,
			},
		},
	}
}
