package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/rating"
)

// CreateRating inserts one rating. The (task, rater) primary key makes a
// second write in the same direction a conflict.
func (s *Store) CreateRating(ctx context.Context, r *rating.Rating) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO ratings (task_id, rater_id, ratee_id, score, comment)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		r.TaskID, r.RaterID, r.RateeID, r.Score, r.Comment)
	if err := row.Scan(&r.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("rating %s by %s: %w", r.TaskID, r.RaterID, domain.ErrConflict)
		}
		return fmt.Errorf("create rating: %w", err)
	}
	return nil
}

// RatingStats returns the mean and count of scores received by an agent.
func (s *Store) RatingStats(ctx context.Context, rateeID string) (float64, int, error) {
	var (
		mean  float64
		count int
	)
	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(score), 0), COUNT(*) FROM ratings WHERE ratee_id = $1`,
		rateeID)
	if err := row.Scan(&mean, &count); err != nil {
		return 0, 0, fmt.Errorf("rating stats %s: %w", rateeID, err)
	}
	return mean, count, nil
}
