package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-billing-api/internal/models"
)

var (
	// ErrVersionConflict signals that the enrollment changed since it was read.
	ErrVersionConflict = errors.New("enrollment version conflict")
	// ErrDuplicateEnrollment signals an existing (user, course) enrollment.
	ErrDuplicateEnrollment = errors.New("enrollment already exists")
	// ErrDuplicateTransaction signals a transaction id already in the ledger.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
)

const enrollmentColumns = `e.id, e.user_id, e.course_id, e.amount, e.status, e.subscription_start, e.next_payment_due,
        e.is_blocked, e.last_payment_date, e.last_email_sent_at, e.unblock_status, e.unblock_requested_at,
        e.unblock_reviewed_at, e.version, e.created_at, e.updated_at`

const detailColumns = enrollmentColumns + `, c.title AS course_title, c.price AS course_price,
        u.email AS user_email, u.full_name AS user_name`

const detailJoins = `FROM enrollments e
JOIN courses c ON c.id = e.course_id
JOIN users u ON u.id = e.user_id`

const paymentColumns = `id, enrollment_id, transaction_id, amount, paid_at, month_label, months_paid, status, method, created_at`

// EnrollmentRepository handles persistence of enrollments and their payment ledger.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// EnrollmentChange bundles every write of one billing mutation. Enrollment.Version
// must hold the version that was read; it is incremented on success.
type EnrollmentChange struct {
	Enrollment       *models.Enrollment
	Payment          *models.PaymentEntry
	SettleFirstEntry bool
	AddToRoster      bool
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Blocked != nil {
		conditions = append(conditions, fmt.Sprintf("e.is_blocked = $%d", len(args)+1))
		args = append(args, *filter.Blocked)
	}
	if filter.UnblockStatus != "" {
		conditions = append(conditions, fmt.Sprintf("e.unblock_status = $%d", len(args)+1))
		args = append(args, filter.UnblockStatus)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":           "e.created_at",
		"next_payment_due":     "e.next_payment_due",
		"unblock_requested_at": "e.unblock_requested_at",
		"user_name":            "u.full_name",
		"course_title":         "c.title",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s%s ORDER BY %s %s, e.id LIMIT %d OFFSET %d`,
		detailColumns, detailJoins, clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s%s", detailJoins, clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments e WHERE e.id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment joined with course and user info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := `SELECT ` + detailColumns + ` ` + detailJoins + ` WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindByUserAndCourse returns the unique enrollment for the pair.
func (r *EnrollmentRepository) FindByUserAndCourse(ctx context.Context, userID, courseID string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments e WHERE e.user_id = $1 AND e.course_id = $2`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, userID, courseID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListPayments returns the ledger of an enrollment in insertion order.
func (r *EnrollmentRepository) ListPayments(ctx context.Context, enrollmentID string) ([]models.PaymentEntry, error) {
	query := `SELECT ` + paymentColumns + ` FROM enrollment_payments WHERE enrollment_id = $1 ORDER BY created_at, id`
	var entries []models.PaymentEntry
	if err := r.db.SelectContext(ctx, &entries, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list enrollment payments: %w", err)
	}
	return entries, nil
}

// FindPaymentByTransaction looks up a ledger entry by its transaction id.
func (r *EnrollmentRepository) FindPaymentByTransaction(ctx context.Context, enrollmentID, transactionID string) (*models.PaymentEntry, error) {
	query := `SELECT ` + paymentColumns + ` FROM enrollment_payments WHERE enrollment_id = $1 AND transaction_id = $2`
	var entry models.PaymentEntry
	if err := r.db.GetContext(ctx, &entry, query, enrollmentID, transactionID); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListBillable pages through approved enrollments of paid courses that carry a due date.
func (r *EnrollmentRepository) ListBillable(ctx context.Context, cursor models.BillableCursor) ([]models.EnrollmentDetail, error) {
	limit := cursor.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + detailColumns + ` ` + detailJoins + `
WHERE e.status = $1 AND c.price > 0 AND e.next_payment_due IS NOT NULL AND e.id > $2
ORDER BY e.id LIMIT $3`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, models.EnrollmentStatusApproved, cursor.AfterID, limit); err != nil {
		return nil, fmt.Errorf("list billable enrollments: %w", err)
	}
	return enrollments, nil
}

// UpdateReminderSentAt stamps the reminder throttle. It is bookkeeping only and leaves the version alone.
func (r *EnrollmentRepository) UpdateReminderSentAt(ctx context.Context, id string, sentAt time.Time) error {
	const query = `UPDATE enrollments SET last_email_sent_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, sentAt); err != nil {
		return fmt.Errorf("update reminder timestamp: %w", err)
	}
	return nil
}

// Create inserts an enrollment with its optional first ledger entry and, for
// immediately approved enrollments, the roster entry, all in one transaction.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment, first *models.PaymentEntry, addToRoster bool) (err error) {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = enrollment.CreatedAt
	if enrollment.UnblockStatus == "" {
		enrollment.UnblockStatus = models.UnblockStatusNone
	}
	enrollment.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertQuery = `INSERT INTO enrollments (id, user_id, course_id, amount, status, subscription_start, next_payment_due,
        is_blocked, last_payment_date, last_email_sent_at, unblock_status, version, created_at, updated_at)
        VALUES (:id, :user_id, :course_id, :amount, :status, :subscription_start, :next_payment_due,
        :is_blocked, :last_payment_date, :last_email_sent_at, :unblock_status, :version, :created_at, :updated_at)
        ON CONFLICT (user_id, course_id) DO NOTHING`
	res, err := tx.NamedExecContext(ctx, insertQuery, enrollment)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check enrollment insert rows: %w", err)
	}
	if affected == 0 {
		err = ErrDuplicateEnrollment
		return err
	}

	if first != nil {
		first.EnrollmentID = enrollment.ID
		if err = insertPayment(ctx, tx, first); err != nil {
			return err
		}
	}
	if addToRoster {
		if err = addToCourseRoster(ctx, tx, enrollment.UserID, enrollment.CourseID, now); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

// Commit applies a billing mutation under optimistic concurrency control.
func (r *EnrollmentRepository) Commit(ctx context.Context, change EnrollmentChange) (err error) {
	e := change.Enrollment
	if e == nil {
		return errors.New("commit enrollment: nil enrollment")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const updateQuery = `UPDATE enrollments SET status = :status, amount = :amount, subscription_start = :subscription_start,
        next_payment_due = :next_payment_due, is_blocked = :is_blocked, last_payment_date = :last_payment_date,
        unblock_status = :unblock_status, unblock_requested_at = :unblock_requested_at,
        unblock_reviewed_at = :unblock_reviewed_at, version = version + 1, updated_at = :updated_at
        WHERE id = :id AND version = :version`
	res, err := tx.NamedExecContext(ctx, updateQuery, e)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check enrollment update rows: %w", err)
	}
	if affected == 0 {
		err = ErrVersionConflict
		return err
	}

	if change.Payment != nil {
		change.Payment.EnrollmentID = e.ID
		if err = insertPayment(ctx, tx, change.Payment); err != nil {
			return err
		}
	}

	if change.SettleFirstEntry {
		const settleQuery = `UPDATE enrollment_payments SET status = $2
        WHERE id = (SELECT id FROM enrollment_payments WHERE enrollment_id = $1 ORDER BY created_at, id LIMIT 1)
        AND status = $3`
		if _, err = tx.ExecContext(ctx, settleQuery, e.ID, models.PaymentStatusSuccess, models.PaymentStatusPending); err != nil {
			return fmt.Errorf("settle first payment: %w", err)
		}
	}

	if change.AddToRoster {
		if err = addToCourseRoster(ctx, tx, e.UserID, e.CourseID, e.UpdatedAt); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment change: %w", err)
	}
	e.Version++
	return nil
}

func insertPayment(ctx context.Context, tx *sqlx.Tx, entry *models.PaymentEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollment_payments (id, enrollment_id, transaction_id, amount, paid_at, month_label, months_paid, status, method, created_at)
        VALUES (:id, :enrollment_id, :transaction_id, :amount, :paid_at, :month_label, :months_paid, :status, :method, :created_at)
        ON CONFLICT (enrollment_id, transaction_id) DO NOTHING`
	res, err := tx.NamedExecContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("insert payment entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check payment insert rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

// addToCourseRoster is idempotent: the counter only moves when the roster row is new.
func addToCourseRoster(ctx context.Context, tx *sqlx.Tx, userID, courseID string, at time.Time) error {
	const rosterQuery = `INSERT INTO user_courses (user_id, course_id, added_at) VALUES ($1, $2, $3) ON CONFLICT (user_id, course_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, rosterQuery, userID, courseID, at)
	if err != nil {
		return fmt.Errorf("add course to user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check roster rows: %w", err)
	}
	if affected == 0 {
		return nil
	}
	const countQuery = `UPDATE courses SET student_count = student_count + 1 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, countQuery, courseID); err != nil {
		return fmt.Errorf("increment course student count: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
