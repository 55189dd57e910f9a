package models

import "time"

// Course is the read-mostly catalogue entry; Price is the monthly fee in minor units.
type Course struct {
	ID           string    `db:"id" json:"id"`
	Title        string    `db:"title" json:"title"`
	Price        int64     `db:"price" json:"price"`
	Currency     string    `db:"currency" json:"currency"`
	StudentCount int       `db:"student_count" json:"student_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// IsFree reports whether the course is exempt from billing.
func (c *Course) IsFree() bool {
	return c == nil || c.Price <= 0
}
