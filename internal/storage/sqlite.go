package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

// Store wraps a SQLite database holding notes, their stage results, the
// full-text index and job records.
type Store struct {
	db *sql.DB

	// beforeCommit runs inside PutNote's transaction after all writes.
	// Tests use it to fail a write half way through.
	beforeCommit func(tx *sql.Tx) error
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vidnote.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single writer connection; WAL keeps readers of committed notes unblocked.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Notes ---

// PutNote inserts a note, its three stage results and its index entry in one
// transaction. Either all of them become visible or none do.
func (s *Store) PutNote(ctx context.Context, n Note) error {
	if len(n.StageResults) != 3 {
		return ErrIncompleteNote
	}
	for i, r := range n.StageResults {
		if r.Stage != i+1 {
			return ErrIncompleteNote
		}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	tags := strings.Join(n.Tags, ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning note transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes (id, code, conversation_id, source_link, title, author, body_markdown, tags, instructions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Code, n.ConversationID, n.SourceLink, n.Title, n.Author, n.BodyMarkdown, tags, n.Instructions, formatTime(n.CreatedAt),
	); err != nil {
		if isCodeConflict(err) {
			return fmt.Errorf("inserting note %s: %w: %s", n.ID, ErrCodeTaken, n.Code)
		}
		return fmt.Errorf("inserting note %s: %w", n.ID, err)
	}

	for _, r := range n.StageResults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stage_results (note_id, stage, provider, attempts, output, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, r.Stage, r.Provider, r.Attempts, r.Output, r.Latency.Milliseconds(),
		); err != nil {
			return fmt.Errorf("inserting stage %d result: %w", r.Stage, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes_fts (note_id, title, author, body, tags) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Author, n.BodyMarkdown, tags,
	); err != nil {
		return fmt.Errorf("indexing note %s: %w", n.ID, err)
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing note %s: %w", n.ID, err)
	}
	return nil
}

const noteColumns = `n.id, n.code, n.conversation_id, n.source_link, n.title, n.author, n.body_markdown, n.tags, n.instructions, n.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner, extra ...any) (Note, error) {
	var n Note
	var tags, createdAt string
	dest := append([]any{&n.ID, &n.Code, &n.ConversationID, &n.SourceLink, &n.Title, &n.Author, &n.BodyMarkdown, &tags, &n.Instructions, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Note{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Note{}, err
	}
	n.CreatedAt = t
	n.Tags = splitTags(tags)
	return n, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// GetNote returns a note with its stage results, or ErrNotFound.
func (s *Store) GetNote(ctx context.Context, id string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes n WHERE n.id = ?`, id)
	return s.loadNote(ctx, row)
}

// GetNoteByCode looks a note up by its short code, or returns ErrNotFound.
func (s *Store) GetNoteByCode(ctx context.Context, code string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes n WHERE n.code = ?`, strings.ToLower(code))
	return s.loadNote(ctx, row)
}

func (s *Store) loadNote(ctx context.Context, row *sql.Row) (Note, error) {
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, provider, attempts, output, latency_ms
		FROM stage_results WHERE note_id = ? ORDER BY stage ASC`, n.ID)
	if err != nil {
		return Note{}, fmt.Errorf("loading stage results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r StageResult
		var latencyMS int64
		if err := rows.Scan(&r.Stage, &r.Provider, &r.Attempts, &r.Output, &latencyMS); err != nil {
			return Note{}, err
		}
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		n.StageResults = append(n.StageResults, r)
	}
	return n, rows.Err()
}

// CodeExists reports whether a short code is already taken.
func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE code = ?`, code).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindNoteByTitleAuthor returns the newest note made from a video with the
// same title and author, without stage results, or ErrNotFound. A blank
// title matches nothing.
func (s *Store) FindNoteByTitleAuthor(ctx context.Context, title, author string) (Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Note{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes n
		WHERE n.title = ? AND n.author = ?
		ORDER BY n.created_at DESC, n.seq DESC LIMIT 1`, title, strings.TrimSpace(author))
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	return n, err
}

// ListNotes returns notes newest first. Stage results are not loaded.
func (s *Store) ListNotes(ctx context.Context, limit, offset int) ([]Note, error) {
	return s.queryNotes(ctx, `SELECT `+noteColumns+` FROM notes n
		ORDER BY n.created_at DESC, n.seq DESC LIMIT ? OFFSET ?`, limit, offset)
}

// ListNotesByTag returns notes carrying tag, newest first.
func (s *Store) ListNotesByTag(ctx context.Context, tag string, limit int) ([]Note, error) {
	return s.queryNotes(ctx, `SELECT `+noteColumns+` FROM notes n
		WHERE ',' || n.tags || ',' LIKE '%,' || ? || ',%'
		ORDER BY n.created_at DESC, n.seq DESC LIMIT ?`, strings.TrimSpace(tag), limit)
}

func (s *Store) queryNotes(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// SearchNotes returns notes ranked by textual relevance to query, most
// relevant first, ties broken newest first. A blank query or one matching
// nothing yields an empty slice.
func (s *Store) SearchNotes(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return []SearchHit{}, nil
	}

	hits, err := s.queryHits(ctx, `
		SELECT `+noteColumns+`, snippet(notes_fts, 3, '**', '**', '...', 24)
		FROM notes_fts
		JOIN notes n ON n.id = notes_fts.note_id
		WHERE notes_fts MATCH ?
		ORDER BY notes_fts.rank, n.created_at DESC, n.seq DESC
		LIMIT ?`, match, limit)
	if err == nil && len(hits) > 0 {
		return hits, nil
	}

	// The index rejected the expression or found nothing. unicode61 keeps a
	// run of CJK characters as a single token, so a word from inside a
	// Chinese sentence only matches as a substring.
	return s.substringHits(ctx, strings.Fields(query), limit)
}

// substringHits matches notes containing any of terms in title, author, body
// or tags, newest first. The snippet starts shortly before the first term's
// position in the body.
func (s *Store) substringHits(ctx context.Context, terms []string, limit int) ([]SearchHit, error) {
	var where []string
	args := []any{terms[0]}
	for _, term := range terms {
		like := "%" + likeEscaper.Replace(term) + "%"
		where = append(where, `n.title LIKE ? ESCAPE '\' OR n.author LIKE ? ESCAPE '\' OR n.body_markdown LIKE ? ESCAPE '\' OR n.tags LIKE ? ESCAPE '\'`)
		args = append(args, like, like, like, like)
	}
	args = append(args, limit)

	return s.queryHits(ctx, `
		SELECT `+noteColumns+`, substr(n.body_markdown, max(1, instr(n.body_markdown, ?) - 24), 160)
		FROM notes n
		WHERE `+strings.Join(where, " OR ")+`
		ORDER BY n.created_at DESC, n.seq DESC
		LIMIT ?`, args...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) queryHits(ctx context.Context, query string, args ...any) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []SearchHit{}
	for rows.Next() {
		var snippet string
		n, err := scanNote(rows, &snippet)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Note: n, Snippet: snippet})
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression: every whitespace-separated
// term is quoted as a string literal and terms are OR-ed, so user input can
// never be parsed as FTS syntax and rank reflects how many terms match.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, len(fields))
	for i, f := range fields {
		terms[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}

// Stats returns note and job counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(created_at) FROM notes`).Scan(&st.TotalNotes, &latest); err != nil {
		return Stats{}, err
	}
	if latest.Valid {
		t, err := parseTime(latest.String)
		if err != nil {
			return Stats{}, err
		}
		st.LatestNote = t
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_results WHERE provider = ?`, ProviderSecondary).Scan(&st.SecondaryStages); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE stage = 'FAILED'`).Scan(&st.FailedJobs); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// --- Jobs ---

// RecordJob inserts or updates a job's progress row.
func (s *Store) RecordJob(ctx context.Context, j JobRecord) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, conversation_id, link, instructions, stage, last_error, note_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			last_error = excluded.last_error,
			note_id = excluded.note_id,
			updated_at = excluded.updated_at`,
		j.ID, j.ConversationID, j.Link, j.Instructions, j.Stage, j.LastError, j.NoteID,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	return err
}

// GetJobRecord returns one job row, or ErrNotFound.
func (s *Store) GetJobRecord(ctx context.Context, id string) (JobRecord, error) {
	rows, err := s.queryJobs(ctx, `WHERE id = ?`, id)
	if err != nil {
		return JobRecord{}, err
	}
	if len(rows) == 0 {
		return JobRecord{}, ErrNotFound
	}
	return rows[0], nil
}

// ListJobRecords returns the most recently updated jobs first.
func (s *Store) ListJobRecords(ctx context.Context, limit int) ([]JobRecord, error) {
	return s.queryJobs(ctx, `ORDER BY updated_at DESC LIMIT ?`, limit)
}

func (s *Store) queryJobs(ctx context.Context, clause string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, link, instructions, stage, last_error, note_id, created_at, updated_at
		FROM jobs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []JobRecord{}
	for rows.Next() {
		var j JobRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.ConversationID, &j.Link, &j.Instructions, &j.Stage, &j.LastError, &j.NoteID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
