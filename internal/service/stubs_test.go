package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	"github.com/noah-isme/lms-billing-api/pkg/events"
	"github.com/noah-isme/lms-billing-api/pkg/gateway"
	"github.com/noah-isme/lms-billing-api/pkg/mailer"
)

// enrollmentStoreStub keeps enrollments, ledgers and rosters in memory and
// enforces the same version check as the SQL repository.
type enrollmentStoreStub struct {
	mu          sync.Mutex
	seq         int
	enrollments map[string]models.Enrollment
	payments    map[string][]models.PaymentEntry
	courses     map[string]*models.Course
	users       map[string]models.User
	roster      map[string]bool
	reminders   map[string]time.Time
	audits      []models.AuditLog

	conflicts   int
	commits     int
	listErr     error
	reminderErr error
	detailErr   error
}

func newEnrollmentStoreStub() *enrollmentStoreStub {
	return &enrollmentStoreStub{
		enrollments: map[string]models.Enrollment{},
		payments:    map[string][]models.PaymentEntry{},
		courses:     map[string]*models.Course{},
		users:       map[string]models.User{},
		roster:      map[string]bool{},
		reminders:   map[string]time.Time{},
	}
}

func (s *enrollmentStoreStub) addCourse(id string, price int64) {
	s.courses[id] = &models.Course{ID: id, Title: "Course " + id, Price: price, Currency: "BDT"}
}

func (s *enrollmentStoreStub) addUser(id string) {
	s.users[id] = models.User{ID: id, Email: id + "@example.com", FullName: "User " + id, Role: models.RoleStudent}
}

// put stores e as-is, assigning an id and version when missing.
func (s *enrollmentStoreStub) put(e models.Enrollment) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		s.seq++
		e.ID = fmt.Sprintf("enr-%03d", s.seq)
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.UnblockStatus == "" {
		e.UnblockStatus = models.UnblockStatusNone
	}
	s.enrollments[e.ID] = e
	return e.ID
}

func (s *enrollmentStoreStub) get(id string) models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[id]
}

func (s *enrollmentStoreStub) ledger(id string) []models.PaymentEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PaymentEntry(nil), s.payments[id]...)
}

func (s *enrollmentStoreStub) detail(e models.Enrollment) models.EnrollmentDetail {
	d := models.EnrollmentDetail{Enrollment: e}
	if c, ok := s.courses[e.CourseID]; ok {
		d.CourseTitle = c.Title
		d.CoursePrice = c.Price
	}
	if u, ok := s.users[e.UserID]; ok {
		d.UserEmail = u.Email
		d.UserName = u.FullName
	}
	return d
}

func (s *enrollmentStoreStub) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	var out []models.EnrollmentDetail
	for _, e := range s.enrollments {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.CourseID != "" && e.CourseID != filter.CourseID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.UnblockStatus != "" && e.UnblockStatus != filter.UnblockStatus {
			continue
		}
		if filter.Blocked != nil && e.IsBlocked != *filter.Blocked {
			continue
		}
		out = append(out, s.detail(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (s *enrollmentStoreStub) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (s *enrollmentStoreStub) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detailErr != nil {
		return nil, s.detailErr
	}
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	d := s.detail(e)
	return &d, nil
}

func (s *enrollmentStoreStub) FindByUserAndCourse(ctx context.Context, userID, courseID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.UserID == userID && e.CourseID == courseID {
			found := e
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *enrollmentStoreStub) ListPayments(ctx context.Context, enrollmentID string) ([]models.PaymentEntry, error) {
	return s.ledger(enrollmentID), nil
}

func (s *enrollmentStoreStub) FindPaymentByTransaction(ctx context.Context, enrollmentID, transactionID string) (*models.PaymentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments[enrollmentID] {
		if p.TransactionID == transactionID {
			found := p
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *enrollmentStoreStub) ListBillable(ctx context.Context, cursor models.BillableCursor) ([]models.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.EnrollmentDetail
	for _, e := range s.enrollments {
		c := s.courses[e.CourseID]
		if e.Status != models.EnrollmentStatusApproved || c == nil || c.Price <= 0 || e.NextPaymentDue == nil || e.ID <= cursor.AfterID {
			continue
		}
		out = append(out, s.detail(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > cursor.Limit {
		out = out[:cursor.Limit]
	}
	return out, nil
}

func (s *enrollmentStoreStub) UpdateReminderSentAt(ctx context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reminderErr != nil {
		return s.reminderErr
	}
	e := s.enrollments[id]
	e.LastEmailSentAt = &sentAt
	s.enrollments[id] = e
	s.reminders[id] = sentAt
	return nil
}

func (s *enrollmentStoreStub) Create(ctx context.Context, enrollment *models.Enrollment, first *models.PaymentEntry, addToRoster bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.UserID == enrollment.UserID && e.CourseID == enrollment.CourseID {
			return repository.ErrDuplicateEnrollment
		}
	}
	s.seq++
	enrollment.ID = fmt.Sprintf("enr-%03d", s.seq)
	enrollment.Version = 1
	if enrollment.UnblockStatus == "" {
		enrollment.UnblockStatus = models.UnblockStatusNone
	}
	enrollment.UpdatedAt = enrollment.CreatedAt
	s.enrollments[enrollment.ID] = *enrollment
	if first != nil {
		first.EnrollmentID = enrollment.ID
		first.ID = fmt.Sprintf("pay-%03d", s.seq)
		s.payments[enrollment.ID] = append(s.payments[enrollment.ID], *first)
	}
	if addToRoster {
		s.addToRoster(enrollment.UserID, enrollment.CourseID)
	}
	return nil
}

func (s *enrollmentStoreStub) Commit(ctx context.Context, change repository.EnrollmentChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	e := change.Enrollment
	stored, ok := s.enrollments[e.ID]
	if !ok || stored.Version != e.Version {
		return repository.ErrVersionConflict
	}
	if s.conflicts > 0 {
		// Another writer got there first.
		s.conflicts--
		stored.Version++
		s.enrollments[e.ID] = stored
		return repository.ErrVersionConflict
	}
	if change.Payment != nil {
		for _, p := range s.payments[e.ID] {
			if p.TransactionID == change.Payment.TransactionID {
				return repository.ErrDuplicateTransaction
			}
		}
		s.seq++
		change.Payment.ID = fmt.Sprintf("pay-%03d", s.seq)
		change.Payment.EnrollmentID = e.ID
		s.payments[e.ID] = append(s.payments[e.ID], *change.Payment)
	}
	if change.SettleFirstEntry {
		if ledger := s.payments[e.ID]; len(ledger) > 0 && ledger[0].Status == models.PaymentStatusPending {
			ledger[0].Status = models.PaymentStatusSuccess
		}
	}
	if change.AddToRoster {
		s.addToRoster(e.UserID, e.CourseID)
	}
	e.Version++
	s.enrollments[e.ID] = *e
	return nil
}

func (s *enrollmentStoreStub) addToRoster(userID, courseID string) {
	key := userID + "|" + courseID
	if s.roster[key] {
		return
	}
	s.roster[key] = true
	if c, ok := s.courses[courseID]; ok {
		c.StudentCount++
	}
}

func (s *enrollmentStoreStub) enrolled(userID, courseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster[userID+"|"+courseID]
}

func (s *enrollmentStoreStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *log)
	return nil
}

func (s *enrollmentStoreStub) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		actions = append(actions, a.Action)
	}
	return actions
}

// courseStoreStub serves courses out of the enrollment store.
type courseStoreStub struct {
	store *enrollmentStoreStub
	calls int
}

func (c *courseStoreStub) FindByID(ctx context.Context, id string) (*models.Course, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.calls++
	course, ok := c.store.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *course
	return &copied, nil
}

type mailerStub struct {
	mu      sync.Mutex
	sent    []mailer.Message
	failFor map[string]bool
}

func (m *mailerStub) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[msg.To] {
		return fmt.Errorf("smtp rejected %s", msg.To)
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailerStub) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Subject)
	}
	return out
}

type publisherStub struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *publisherStub) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *publisherStub) Close() error { return nil }

func (p *publisherStub) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type gatewayStub struct {
	intents map[string]*gateway.PaymentIntent
	event   *gateway.WebhookEvent
	err     error
}

func (g *gatewayStub) GetPaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
	if g.err != nil {
		return nil, g.err
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent: %s", id)
	}
	return intent, nil
}

func (g *gatewayStub) ParseWebhook(payload []byte, signature string) (*gateway.WebhookEvent, error) {
	if signature != "valid" {
		return nil, gateway.ErrInvalidSignature
	}
	return g.event, nil
}

type lockerStub struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released int
}

func (l *lockerStub) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = owner
	return true, nil
}

func (l *lockerStub) ReleaseLock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == owner {
		delete(l.held, key)
		l.released++
	}
	return nil
}

// billingHarness wires every billing service over the in-memory stubs.
type billingHarness struct {
	store       *enrollmentStoreStub
	courses     *courseStoreStub
	clock       *clock.FakeClock
	mailer      *mailerStub
	publisher   *publisherStub
	gateway     *gatewayStub
	metrics     *MetricsService
	policy      billing.Policy
	effects     Effects
	enrollments *EnrollmentService
	billing     *BillingService
	unblock     *UnblockService
	access      *AccessService
	notifier    *NotificationService
}

func newBillingHarness(t *testing.T, now time.Time, options PaymentOptions) *billingHarness {
	t.Helper()
	store := newEnrollmentStoreStub()
	store.addCourse("course-paid", 500)
	store.addCourse("course-free", 0)
	store.addUser("stu-1")
	store.addUser("stu-2")

	h := &billingHarness{
		store:     store,
		courses:   &courseStoreStub{store: store},
		clock:     clock.NewFakeClock(now),
		mailer:    &mailerStub{failFor: map[string]bool{}},
		publisher: &publisherStub{},
		gateway:   &gatewayStub{intents: map[string]*gateway.PaymentIntent{}},
		metrics:   NewMetricsService(),
		policy:    billing.DefaultPolicy(billing.NewCalendar(nil)),
	}
	h.notifier = NewNotificationService(h.mailer, "BDT", nil)
	h.access = NewAccessService(store, h.courses, nil, h.policy, h.clock, nil)
	h.effects = Effects{
		Notifier: h.notifier,
		Events:   h.publisher,
		Audit:    store,
		Access:   h.access,
		Metrics:  h.metrics,
	}
	h.enrollments = NewEnrollmentService(store, h.courses, h.policy, h.clock, h.effects, options, nil, nil)
	h.billing = NewBillingService(store, h.courses, h.gateway, h.policy, h.clock, h.effects, options, h.enrollments, nil, nil)
	h.unblock = NewUnblockService(store, h.enrollments, h.clock, h.effects, nil)
	require.NotNil(t, h.billing)
	return h
}

func (h *billingHarness) sweeper(locker sweepLocker, cfg SweeperConfig) *SweeperService {
	return NewSweeperService(h.store, locker, h.notifier, h.policy, h.clock, h.effects, cfg, nil)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

var (
	admin   = Actor{ID: "admin-1", Role: models.RoleAdmin}
	student = Actor{ID: "stu-1", Role: models.RoleStudent}
	other   = Actor{ID: "stu-2", Role: models.RoleStudent}
)
