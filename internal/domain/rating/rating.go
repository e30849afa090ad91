// Package rating defines the bidirectional task rating entity.
package rating

import "time"

// Rating is a 1-5 score attached to an approved task, written at most once
// per (task, rater) direction.
type Rating struct {
	TaskID    string    `json:"task_id"`
	RaterID   string    `json:"rater_id"`
	RateeID   string    `json:"ratee_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the score is in range.
func (r *Rating) Valid() bool {
	return r.Score >= 1 && r.Score <= 5
}
