package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entity kinds passed to the router.
const (
	KindSubmission = "submission"
	KindVote       = "vote"
	KindCategory   = "category"
	KindDebate     = "debate"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateVote = errors.New("already voted")
)

// Submission is a proposed debate question.
type Submission struct {
	ID               string    `db:"id" json:"id"`
	Category         string    `db:"category" json:"category"`
	Headline         string    `db:"headline" json:"headline"`
	Idea             string    `db:"idea" json:"idea"`
	Citation         string    `db:"citation" json:"citation,omitempty"`
	Source           string    `db:"source" json:"source,omitempty"`
	VoterID          string    `db:"voter_id" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	Approved         bool      `db:"approved" json:"approved"`
	DuplicateOf      *string   `db:"duplicate_of" json:"duplicate_of,omitempty"`
	ModeratedRemoval bool      `db:"moderated_removal" json:"-"`
	Votes            int       `db:"votes" json:"votes"`
	Score            float64   `db:"score" json:"-"`
	RandomID         float64   `db:"random_id" json:"-"`
}

// Category is reference data for grouping submissions.
type Category struct {
	Name     string `db:"name" json:"name"`
	Position int    `db:"position" json:"position"`
}

// ScoreInput is what a scoring pass needs to know about one eligible
// submission.
type ScoreInput struct {
	ID          string    `db:"id"`
	Votes       int       `db:"votes"`
	CreatedAt   time.Time `db:"created_at"`
	RecentShort int       `db:"recent_short"`
	RecentLong  int       `db:"recent_long"`
}

// ScoreUpdate is the result of scoring one submission.
type ScoreUpdate struct {
	ID       string
	Score    float64
	RandomID float64
}

// Event is one entry in the recent activity feed.
type Event struct {
	Kind         string    `db:"kind" json:"kind"`
	SubmissionID string    `db:"submission_id" json:"submission_id"`
	Headline     string    `db:"headline" json:"headline"`
	At           time.Time `db:"at" json:"at"`
}

// Sort orders for ListSubmissions.
const (
	SortTrending = "trending"
	SortRandom   = "random"
	SortVotes    = "votes"
	SortNewest   = "newest"
)

// ListOpts controls submission listing.
type ListOpts struct {
	Sort     string
	Category string
	Limit    int
}

// Store is the persistence interface.
type Store interface {
	CreateSubmission(ctx context.Context, sub *Submission) error
	ImportSubmission(ctx context.Context, sub *Submission) (bool, error)
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	ListSubmissions(ctx context.Context, opts ListOpts) ([]Submission, error)
	RecordVote(ctx context.Context, submissionID, voterID string, at time.Time) (int, error)
	CountVotes(ctx context.Context) (int, error)
	RecentActivity(ctx context.Context, limit int) ([]Event, error)

	EligibleSubmissions(ctx context.Context, shortSince, longSince time.Time) ([]ScoreInput, error)
	ApplyScores(ctx context.Context, updates []ScoreUpdate) error

	EnsureCategory(ctx context.Context, c Category) error
	ListCategories(ctx context.Context) ([]Category, error)

	DebateDeadline(ctx context.Context) (time.Time, error)
	SetDebateDeadline(ctx context.Context, deadline time.Time) error

	Close() error
}

// Endpoint is one physical database: the primary or a replica.
type Endpoint struct {
	Name string
	DSN  string
}

// SQLStore implements Store over a routed pool of sqlx connections.
type SQLStore struct {
	router *dbrouter.Router
	dbs    map[string]*sqlx.DB
}

// Open connects every endpoint the router knows about and runs migrations on
// the primary. driver is "sqlite" or "postgres".
func Open(driver string, endpoints []Endpoint, router *dbrouter.Router) (*SQLStore, error) {
	s := &SQLStore{router: router, dbs: make(map[string]*sqlx.DB, len(endpoints))}

	for _, ep := range endpoints {
		if _, dup := s.dbs[ep.Name]; dup {
			s.Close()
			return nil, fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		db, err := openEndpoint(driver, ep.DSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open endpoint %s: %w", ep.Name, err)
		}
		s.dbs[ep.Name] = db
	}

	for _, name := range router.Endpoints() {
		if _, ok := s.dbs[name]; !ok {
			s.Close()
			return nil, fmt.Errorf("no connection configured for endpoint %q", name)
		}
	}

	if _, err := s.dbs[router.Primary()].Exec(schema); err != nil {
		s.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func openEndpoint(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite", "":
		return sqlx.Open("sqlite", sqliteDSN(dsn))
	case "postgres":
		return sqlx.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

func (s *SQLStore) Close() error {
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SQLStore) reader(ctx context.Context, kind string) (*sqlx.DB, error) {
	name, err := s.router.RouteForRead(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.endpoint(name)
}

func (s *SQLStore) writer(ctx context.Context, kind string) (*sqlx.DB, error) {
	name, err := s.router.RouteForWrite(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.endpoint(name)
}

func (s *SQLStore) endpoint(name string) (*sqlx.DB, error) {
	db, ok := s.dbs[name]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", name)
	}
	return db, nil
}

const insertSubmission = `
	INSERT INTO submissions (id, category, headline, idea, citation, source, voter_id, created_at,
		approved, duplicate_of, moderated_removal, votes, score, random_id)
	VALUES (:id, :category, :headline, :idea, :citation, :source, :voter_id, :created_at,
		:approved, :duplicate_of, :moderated_removal, :votes, :score, :random_id)`

func (s *SQLStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	db, err := s.writer(ctx, KindSubmission)
	if err != nil {
		return err
	}
	prepareSubmission(sub)

	if _, err := db.NamedExecContext(ctx, insertSubmission, sub); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// ImportSubmission inserts sub unless one with the same source and citation
// already exists. It reports whether a row was inserted.
func (s *SQLStore) ImportSubmission(ctx context.Context, sub *Submission) (bool, error) {
	if sub.Source == "" {
		return false, fmt.Errorf("import submission: source required")
	}
	db, err := s.writer(ctx, KindSubmission)
	if err != nil {
		return false, err
	}
	prepareSubmission(sub)

	res, err := db.NamedExecContext(ctx, insertSubmission+" ON CONFLICT DO NOTHING", sub)
	if err != nil {
		return false, fmt.Errorf("import submission %s: %w", sub.Citation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("import submission %s: %w", sub.Citation, err)
	}
	return n > 0, nil
}

func prepareSubmission(sub *Submission) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
}

// GetSubmission returns the submission with id whatever its moderation
// state. Callers decide what to show.
func (s *SQLStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	db, err := s.reader(ctx, KindSubmission)
	if err != nil {
		return nil, err
	}

	var sub Submission
	err = db.GetContext(ctx, &sub, db.Rebind("SELECT * FROM submissions WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return &sub, nil
}

const eligible = "approved = TRUE AND duplicate_of IS NULL AND moderated_removal = FALSE"

func (s *SQLStore) ListSubmissions(ctx context.Context, opts ListOpts) ([]Submission, error) {
	db, err := s.reader(ctx, KindSubmission)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM submissions WHERE " + eligible
	var args []any

	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, opts.Category)
	}

	switch opts.Sort {
	case SortRandom:
		query += " ORDER BY random_id, id"
	case SortVotes:
		query += " ORDER BY votes DESC, created_at DESC, id"
	case SortNewest:
		query += " ORDER BY created_at DESC, id"
	case SortTrending, "":
		query += " ORDER BY score DESC, random_id, id"
	default:
		return nil, fmt.Errorf("unknown sort %q", opts.Sort)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var subs []Submission
	if err := db.SelectContext(ctx, &subs, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

// RecordVote adds one vote by voterID and returns the submission's new total.
func (s *SQLStore) RecordVote(ctx context.Context, submissionID, voterID string, at time.Time) (int, error) {
	db, err := s.writer(ctx, KindVote)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin vote: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.GetContext(ctx, &existing,
		tx.Rebind("SELECT COUNT(*) FROM votes WHERE submission_id = ? AND voter_id = ?"),
		submissionID, voterID)
	if err != nil {
		return 0, fmt.Errorf("check vote %s: %w", submissionID, err)
	}
	if existing > 0 {
		return 0, ErrDuplicateVote
	}

	res, err := tx.ExecContext(ctx,
		tx.Rebind("UPDATE submissions SET votes = votes + 1 WHERE id = ? AND "+eligible),
		submissionID)
	if err != nil {
		return 0, fmt.Errorf("count vote %s: %w", submissionID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("count vote %s: %w", submissionID, err)
	} else if n == 0 {
		return 0, ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		tx.Rebind("INSERT INTO votes (id, submission_id, voter_id, created_at) VALUES (?, ?, ?, ?)"),
		uuid.NewString(), submissionID, voterID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert vote %s: %w", submissionID, err)
	}

	var votes int
	if err := tx.GetContext(ctx, &votes, tx.Rebind("SELECT votes FROM submissions WHERE id = ?"), submissionID); err != nil {
		return 0, fmt.Errorf("read votes %s: %w", submissionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vote %s: %w", submissionID, err)
	}
	return votes, nil
}

func (s *SQLStore) CountVotes(ctx context.Context) (int, error) {
	db, err := s.reader(ctx, KindVote)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM votes"); err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return n, nil
}

// RecentActivity returns the newest votes and submissions, newest first.
// Votes by a submission's own author are left out.
func (s *SQLStore) RecentActivity(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}

	vdb, err := s.reader(ctx, KindVote)
	if err != nil {
		return nil, err
	}
	var votes []Event
	err = vdb.SelectContext(ctx, &votes, vdb.Rebind(`
		SELECT 'vote' AS kind, s.id AS submission_id, s.headline AS headline, v.created_at AS at
		FROM votes v
		JOIN submissions s ON s.id = v.submission_id
		WHERE `+eligible+`
			AND v.voter_id <> s.voter_id
		ORDER BY v.created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent votes: %w", err)
	}

	sdb, err := s.reader(ctx, KindSubmission)
	if err != nil {
		return nil, err
	}
	var subs []Event
	err = sdb.SelectContext(ctx, &subs, sdb.Rebind(`
		SELECT 'submission' AS kind, id AS submission_id, headline, created_at AS at
		FROM submissions
		WHERE `+eligible+`
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent submissions: %w", err)
	}

	events := append(votes, subs...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.After(events[j].At)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// EligibleSubmissions returns the submissions that can trend (see eligible)
// with their vote counts since shortSince and longSince.
func (s *SQLStore) EligibleSubmissions(ctx context.Context, shortSince, longSince time.Time) ([]ScoreInput, error) {
	db, err := s.reader(ctx, KindSubmission)
	if err != nil {
		return nil, err
	}

	var inputs []ScoreInput
	err = db.SelectContext(ctx, &inputs, db.Rebind(`
		SELECT s.id AS id, s.votes AS votes, s.created_at AS created_at,
			COALESCE(SUM(CASE WHEN v.created_at > ? THEN 1 ELSE 0 END), 0) AS recent_short,
			COALESCE(SUM(CASE WHEN v.created_at > ? THEN 1 ELSE 0 END), 0) AS recent_long
		FROM submissions s
		LEFT JOIN votes v ON v.submission_id = s.id
		WHERE `+eligible+`
		GROUP BY s.id, s.votes, s.created_at`), shortSince.UTC(), longSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("list eligible submissions: %w", err)
	}
	return inputs, nil
}

// ApplyScores writes all updates in one transaction.
func (s *SQLStore) ApplyScores(ctx context.Context, updates []ScoreUpdate) error {
	db, err := s.writer(ctx, KindSubmission)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin score pass: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind("UPDATE submissions SET score = ?, random_id = ? WHERE id = ?"))
	if err != nil {
		return fmt.Errorf("prepare score update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Score, u.RandomID, u.ID)
		if err != nil {
			return fmt.Errorf("update score %s: %w", u.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update score %s: %w", u.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("update score %s: %w", u.ID, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score pass: %w", err)
	}
	return nil
}

func (s *SQLStore) EnsureCategory(ctx context.Context, c Category) error {
	db, err := s.writer(ctx, KindCategory)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		db.Rebind("INSERT INTO categories (name, position) VALUES (?, ?) ON CONFLICT DO NOTHING"),
		c.Name, c.Position)
	if err != nil {
		return fmt.Errorf("ensure category %s: %w", c.Name, err)
	}
	return nil
}

func (s *SQLStore) ListCategories(ctx context.Context) ([]Category, error) {
	db, err := s.reader(ctx, KindCategory)
	if err != nil {
		return nil, err
	}
	var cats []Category
	if err := db.SelectContext(ctx, &cats, "SELECT * FROM categories ORDER BY position, name"); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

func (s *SQLStore) DebateDeadline(ctx context.Context) (time.Time, error) {
	db, err := s.reader(ctx, KindDebate)
	if err != nil {
		return time.Time{}, err
	}
	var deadline time.Time
	err = db.GetContext(ctx, &deadline, "SELECT deadline FROM debates WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get debate deadline: %w", err)
	}
	return deadline, nil
}

func (s *SQLStore) SetDebateDeadline(ctx context.Context, deadline time.Time) error {
	db, err := s.writer(ctx, KindDebate)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO debates (id, deadline) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET deadline = excluded.deadline`), deadline.UTC())
	if err != nil {
		return fmt.Errorf("set debate deadline: %w", err)
	}
	return nil
}
