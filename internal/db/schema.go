package db

// schema is valid for both SQLite and PostgreSQL. Pair columns always hold
// the canonical order user_low < user_high.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		headline TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		connection_count INTEGER NOT NULL DEFAULT 0 CHECK (connection_count >= 0),
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connection_requests (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT NOT NULL REFERENCES users(id),
		user_low TEXT NOT NULL,
		user_high TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		responded_at TIMESTAMP,
		CHECK (sender_id <> receiver_id),
		CHECK (user_low < user_high)
	)`,
	// One pending request per unordered pair, whichever side sent it.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_pending_pair
		ON connection_requests (user_low, user_high) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_requests_receiver ON connection_requests (receiver_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_sender ON connection_requests (sender_id, status)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		user_low TEXT NOT NULL REFERENCES users(id),
		user_high TEXT NOT NULL REFERENCES users(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		connected_at TIMESTAMP NOT NULL,
		removed_at TIMESTAMP,
		UNIQUE (user_low, user_high),
		CHECK (user_low < user_high)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_high ON connections (user_high, active)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_low TEXT,
		user_high TEXT,
		message_seq INTEGER NOT NULL DEFAULT 0,
		last_message_id TEXT,
		last_message_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (kind, user_low, user_high)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		muted BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL REFERENCES users(id),
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		read_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_deletions (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		deleted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL REFERENCES users(id),
		actor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_id, created_at)`,
}
