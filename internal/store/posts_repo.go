package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostsRepo persists raw social posts. Posts are append-only.
type PostsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// InsertTx appends a raw post inside the caller's transaction and returns
// its id.
func (r *PostsRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, post *RawPost) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO raw_posts (source, author, text, ts, urls, token_ca, symbol, is_candidate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := tx.QueryRowxContext(ctx, query,
		post.Source, post.Author, post.Text, post.TS, post.URLs,
		post.TokenCA, post.Symbol, post.IsCandidate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert raw post: %w", err)
	}
	return id, nil
}

// Begin starts a transaction for one handle's polling cycle.
func (r *PostsRepo) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// ListAfter returns posts with id greater than afterID in id order, capped
// at limit. Used by the refinement stage to page through new posts.
func (r *PostsRepo) ListAfter(ctx context.Context, afterID int64, limit int) ([]RawPost, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var posts []RawPost
	err := r.db.SelectContext(ctx, &posts,
		`SELECT * FROM raw_posts WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw posts: %w", err)
	}
	return posts, nil
}

// CountSince returns the number of posts observed for a source since ts.
func (r *PostsRepo) CountSince(ctx context.Context, source string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM raw_posts WHERE source = $1 AND ts >= $2`, source, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw posts: %w", err)
	}
	return n, nil
}
