package database

import "embed"

const schema = `
CREATE TABLE IF NOT EXISTS images (
    id TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    content_type TEXT NOT NULL,
    thumbnail_data BLOB NOT NULL,
    thumbnail_content_type TEXT NOT NULL,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    optim_level INTEGER NOT NULL DEFAULT 0,
    date TEXT NOT NULL,
    last_seen TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_images_optim_level ON images (optim_level, id);
CREATE INDEX IF NOT EXISTS idx_images_last_seen ON images (last_seen);
`

// postgresMigrations are applied with goose on startup.
//
//go:embed migrations/*.sql
var postgresMigrations embed.FS
