package store

// schema is portable between sqlite and postgres.
const schema = `
CREATE TABLE IF NOT EXISTS categories (
    name     TEXT PRIMARY KEY,
    position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS submissions (
    id                TEXT PRIMARY KEY,
    category          TEXT NOT NULL DEFAULT '',
    headline          TEXT NOT NULL,
    idea              TEXT NOT NULL DEFAULT '',
    citation          TEXT NOT NULL DEFAULT '',
    source            TEXT NOT NULL DEFAULT '',
    voter_id          TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMP NOT NULL,
    approved          BOOLEAN NOT NULL DEFAULT FALSE,
    duplicate_of      TEXT,
    moderated_removal BOOLEAN NOT NULL DEFAULT FALSE,
    votes             INTEGER NOT NULL DEFAULT 0,
    score             DOUBLE PRECISION NOT NULL DEFAULT 0,
    random_id         DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_submissions_score ON submissions(score);
CREATE INDEX IF NOT EXISTS idx_submissions_random_id ON submissions(random_id);
CREATE INDEX IF NOT EXISTS idx_submissions_votes ON submissions(votes);
CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_import
    ON submissions(source, citation) WHERE source <> '';

CREATE TABLE IF NOT EXISTS votes (
    id            TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL REFERENCES submissions(id),
    voter_id      TEXT NOT NULL,
    created_at    TIMESTAMP NOT NULL,
    UNIQUE(submission_id, voter_id)
);

CREATE INDEX IF NOT EXISTS idx_votes_submission ON votes(submission_id);
CREATE INDEX IF NOT EXISTS idx_votes_created_at ON votes(created_at);

CREATE TABLE IF NOT EXISTS debates (
    id       INTEGER PRIMARY KEY,
    deadline TIMESTAMP NOT NULL
);
`
