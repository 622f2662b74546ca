package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one English to Dutch vocabulary item.
type Entry struct {
	English       string
	Dutch         string
	Article       string
	Pronunciation string
	Category      string
	ReviewCount   int
}

func (e Entry) withArticle() string {
	if e.Article == "" {
		return e.Dutch
	}
	return e.Article + " " + e.Dutch
}

// Vocabulary is the language tutor's word store.
type Vocabulary interface {
	Lookup(ctx context.Context, english string) (Entry, bool, error)
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
	// Review returns the least reviewed words and marks them reviewed.
	Review(ctx context.Context, limit int) ([]Entry, error)
}

// SQLiteVocabulary keeps vocabulary and review progress in SQLite.
type SQLiteVocabulary struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenVocabulary opens (and seeds, when empty) the vocabulary database. An
// empty path keeps everything in memory.
func OpenVocabulary(ctx context.Context, path string, log *slog.Logger) (*SQLiteVocabulary, error) {
	dsn := "file::memory:"
	if path != "" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create vocabulary dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection so an in-memory database is shared by every query.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	v := &SQLiteVocabulary{db: db, log: log.With(slog.String("component", "vocabulary")), clock: time.Now}
	if err := v.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := v.seed(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *SQLiteVocabulary) initSchema(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS vocabulary (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    english TEXT NOT NULL UNIQUE,
    dutch TEXT NOT NULL,
    article TEXT,
    pronunciation TEXT,
    category TEXT,
    review_count INTEGER NOT NULL DEFAULT 0,
    last_reviewed TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_vocabulary_review ON vocabulary(review_count, last_reviewed);
`)
	return err
}

func (v *SQLiteVocabulary) seed(ctx context.Context) error {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vocabulary`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, e := range seedWords {
		if err := v.Add(ctx, e); err != nil {
			return err
		}
	}
	v.log.Info("vocabulary seeded", slog.Int("words", len(seedWords)))
	return nil
}

// Add inserts or replaces a word.
func (v *SQLiteVocabulary) Add(ctx context.Context, e Entry) error {
	_, err := v.db.ExecContext(ctx,
		`INSERT INTO vocabulary(english, dutch, article, pronunciation, category)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(english) DO UPDATE SET dutch=excluded.dutch, article=excluded.article,
		     pronunciation=excluded.pronunciation, category=excluded.category`,
		normalizeWord(e.English), e.Dutch, e.Article, e.Pronunciation, e.Category)
	return err
}

func (v *SQLiteVocabulary) Lookup(ctx context.Context, english string) (Entry, bool, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT english, dutch, article, pronunciation, category, review_count
		 FROM vocabulary WHERE english = ?`, normalizeWord(english))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (v *SQLiteVocabulary) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := normalizeWord(query)
	like := "%" + q + "%"
	rows, err := v.db.QueryContext(ctx,
		`SELECT english, dutch, article, pronunciation, category, review_count
		 FROM vocabulary WHERE english LIKE ? OR dutch LIKE ?
		 ORDER BY CASE WHEN english = ? OR dutch = ? THEN 0 ELSE 1 END, english
		 LIMIT ?`, like, like, q, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (v *SQLiteVocabulary) Review(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT english, dutch, article, pronunciation, category, review_count
		 FROM vocabulary
		 ORDER BY review_count ASC, CASE WHEN last_reviewed IS NULL THEN 0 ELSE 1 END, last_reviewed ASC, id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	now := v.clock().UTC()
	for _, e := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE vocabulary SET review_count = review_count + 1, last_reviewed = ? WHERE english = ?`,
			now, e.English); err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

func (v *SQLiteVocabulary) Close() error {
	return v.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var article, pronunciation, category sql.NullString
	if err := s.Scan(&e.English, &e.Dutch, &article, &pronunciation, &category, &e.ReviewCount); err != nil {
		return Entry{}, err
	}
	e.Article, e.Pronunciation, e.Category = article.String, pronunciation.String, category.String
	return e, nil
}

func normalizeWord(s string) string {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), `'"?.!`))
	for _, p := range []string{"the ", "a ", "an ", "to "} {
		s = strings.TrimPrefix(s, p)
	}
	return s
}

var seedWords = []Entry{
	{English: "hello", Dutch: "hallo", Pronunciation: "HAH-loh", Category: "phrases"},
	{English: "goodbye", Dutch: "tot ziens", Pronunciation: "tot ZEENS", Category: "phrases"},
	{English: "good morning", Dutch: "goedemorgen", Pronunciation: "KHOO-duh-mor-khun", Category: "phrases"},
	{English: "good night", Dutch: "goedenacht", Pronunciation: "KHOO-duh-nakht", Category: "phrases"},
	{English: "thank you", Dutch: "dank je wel", Pronunciation: "DAHNK yuh vel", Category: "phrases"},
	{English: "please", Dutch: "alsjeblieft", Pronunciation: "AHL-shuh-bleeft", Category: "phrases"},
	{English: "cup", Dutch: "kop", Article: "de", Pronunciation: "kop", Category: "kitchen"},
	{English: "glass", Dutch: "glas", Article: "het", Pronunciation: "hlahs", Category: "kitchen"},
	{English: "knife", Dutch: "mes", Article: "het", Pronunciation: "mes", Category: "kitchen"},
	{English: "plate", Dutch: "bord", Article: "het", Pronunciation: "bort", Category: "kitchen"},
	{English: "apple", Dutch: "appel", Article: "de", Pronunciation: "AH-pul", Category: "food"},
	{English: "bread", Dutch: "brood", Article: "het", Pronunciation: "broht", Category: "food"},
	{English: "cheese", Dutch: "kaas", Article: "de", Pronunciation: "kahs", Category: "food"},
	{English: "coffee", Dutch: "koffie", Article: "de", Pronunciation: "KOF-fee", Category: "food"},
	{English: "water", Dutch: "water", Article: "het", Pronunciation: "VAH-ter", Category: "food"},
	{English: "keyboard", Dutch: "toetsenbord", Article: "het", Pronunciation: "TOOT-sen-bort", Category: "office"},
	{English: "phone", Dutch: "telefoon", Article: "de", Pronunciation: "tay-lay-FOHN", Category: "office"},
	{English: "chair", Dutch: "stoel", Article: "de", Pronunciation: "stool", Category: "home"},
	{English: "table", Dutch: "tafel", Article: "de", Pronunciation: "TAH-fel", Category: "home"},
	{English: "house", Dutch: "huis", Article: "het", Pronunciation: "hows", Category: "home"},
	{English: "book", Dutch: "boek", Article: "het", Pronunciation: "book", Category: "home"},
	{English: "bicycle", Dutch: "fiets", Article: "de", Pronunciation: "feets", Category: "transport"},
	{English: "dog", Dutch: "hond", Article: "de", Pronunciation: "hont", Category: "animals"},
	{English: "cat", Dutch: "kat", Article: "de", Pronunciation: "kat", Category: "animals"},
}
