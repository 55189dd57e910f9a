package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/pkg/jobs"
	"github.com/noah-isme/lms-billing-api/pkg/mailer"
)

// NotificationKind selects the email template.
type NotificationKind string

// Notification kinds.
const (
	NotifyPaymentReceipt     NotificationKind = "payment_receipt"
	NotifyEnrollmentApproved NotificationKind = "enrollment_approved"
	NotifyEnrollmentRejected NotificationKind = "enrollment_rejected"
	NotifyAccessRevoked      NotificationKind = "access_revoked"
	NotifyUnblockApproved    NotificationKind = "unblock_approved"
	NotifyUnblockRejected    NotificationKind = "unblock_rejected"
	NotifyUpcomingDue        NotificationKind = "upcoming_reminder"
	NotifyDueToday           NotificationKind = "due_reminder"
	NotifyOverdue            NotificationKind = "overdue_reminder"
)

// JobTypeEmail is the queue job type for outbound email.
const JobTypeEmail = "email"

// Recipient identifies who receives a notification.
type Recipient struct {
	Email string
	Name  string
}

// NotificationData feeds the templates.
type NotificationData struct {
	CourseTitle   string
	Amount        int64
	CycleLabel    string
	NextDue       *time.Time
	DaysOverdue   int
	GraceDaysLeft int
	Reason        string
}

type notificationTemplate struct {
	subject *texttemplate.Template
	body    *template.Template
}

const layoutOpen = `<p>Hi {{.Name}},</p>`
const layoutClose = `<p>Thanks,<br>The Billing Team</p>`

var templateSources = map[NotificationKind][2]string{
	NotifyPaymentReceipt: {"Payment received for {{.CourseTitle}}",
		`<p>We received your payment of <strong>{{money .Amount}}</strong> for <strong>{{.CourseTitle}}</strong> covering {{.CycleLabel}}.</p>
{{with .NextDue}}<p>Your next payment is due on {{date .}}.</p>{{end}}`},
	NotifyEnrollmentApproved: {"Enrollment approved: {{.CourseTitle}}",
		`<p>Your enrollment in <strong>{{.CourseTitle}}</strong> has been approved. You can enter the classroom now.</p>
{{with .NextDue}}<p>Your next payment is due on {{date .}}.</p>{{end}}`},
	NotifyEnrollmentRejected: {"Enrollment update: {{.CourseTitle}}",
		`<p>Your enrollment request for <strong>{{.CourseTitle}}</strong> was not approved.</p>
{{with .Reason}}<p>Reason: {{.}}</p>{{end}}`},
	NotifyAccessRevoked: {"Access suspended: {{.CourseTitle}}",
		`<p>Your access to <strong>{{.CourseTitle}}</strong> has been suspended because the payment due on {{with .NextDue}}{{date .}}{{end}} is {{.DaysOverdue}} days overdue.</p>
<p>Access is restored as soon as a payment is recorded. You may also request a review from your course page.</p>`},
	NotifyUnblockApproved: {"Access restored: {{.CourseTitle}}",
		`<p>Your unblock request for <strong>{{.CourseTitle}}</strong> was approved and your access is restored.</p>`},
	NotifyUnblockRejected: {"Unblock request declined: {{.CourseTitle}}",
		`<p>Your unblock request for <strong>{{.CourseTitle}}</strong> was declined. Access returns once the outstanding fee is paid.</p>`},
	NotifyUpcomingDue: {"Payment due soon: {{.CourseTitle}}",
		`<p>Your monthly fee for <strong>{{.CourseTitle}}</strong> is due on {{with .NextDue}}{{date .}}{{end}}.</p>`},
	NotifyDueToday: {"Payment due today: {{.CourseTitle}}",
		`<p>Your monthly fee for <strong>{{.CourseTitle}}</strong> is due today.</p>
<p>Access stays open for {{.GraceDaysLeft}} more days.</p>`},
	NotifyOverdue: {"Payment overdue: {{.CourseTitle}}",
		`<p>Your monthly fee for <strong>{{.CourseTitle}}</strong> is {{.DaysOverdue}} days overdue.</p>
<p>Access will be suspended in {{.GraceDaysLeft}} days unless a payment is recorded.</p>`},
}

// NotificationService renders and delivers billing emails.
type NotificationService struct {
	mailer    mailer.Mailer
	queue     *jobs.Queue
	templates map[NotificationKind]notificationTemplate
	currency  string
	logger    *zap.Logger
}

// NewNotificationService parses the templates and binds the transport.
func NewNotificationService(m mailer.Mailer, currency string, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	currency = strings.ToUpper(currency)
	funcs := template.FuncMap{
		"money": func(amount int64) string { return formatMoney(amount, currency) },
		"date":  func(t time.Time) string { return t.Format("January 2, 2006") },
	}
	templates := make(map[NotificationKind]notificationTemplate, len(templateSources))
	for kind, src := range templateSources {
		templates[kind] = notificationTemplate{
			subject: texttemplate.Must(texttemplate.New(string(kind) + "_subject").Parse(src[0])),
			body:    template.Must(template.New(string(kind)).Funcs(funcs).Parse(layoutOpen + src[1] + layoutClose)),
		}
	}
	return &NotificationService{
		mailer:    m,
		templates: templates,
		currency:  currency,
		logger:    logger,
	}
}

// UseQueue routes Notify through q. q's handler must be HandleJob.
func (s *NotificationService) UseQueue(q *jobs.Queue) {
	s.queue = q
}

// Render builds the message for kind.
func (s *NotificationService) Render(kind NotificationKind, to Recipient, data NotificationData) (mailer.Message, error) {
	tpl, ok := s.templates[kind]
	if !ok {
		return mailer.Message{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	view := struct {
		NotificationData
		Name string
	}{NotificationData: data, Name: to.Name}
	if view.Name == "" {
		view.Name = "there"
	}

	var subject bytes.Buffer
	if err := tpl.subject.Execute(&subject, view); err != nil {
		return mailer.Message{}, fmt.Errorf("render %s subject: %w", kind, err)
	}
	var body bytes.Buffer
	if err := tpl.body.Execute(&body, view); err != nil {
		return mailer.Message{}, fmt.Errorf("render %s body: %w", kind, err)
	}
	return mailer.Message{To: to.Email, ToName: to.Name, Subject: subject.String(), HTML: body.String()}, nil
}

// Deliver renders and sends synchronously, returning any failure.
func (s *NotificationService) Deliver(ctx context.Context, kind NotificationKind, to Recipient, data NotificationData) error {
	if s.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}
	msg, err := s.Render(kind, to, data)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, msg)
}

// Notify renders and hands the message to the queue, or sends it inline when no
// queue is attached. Failures are logged and swallowed.
func (s *NotificationService) Notify(ctx context.Context, kind NotificationKind, to Recipient, data NotificationData) {
	if to.Email == "" {
		s.logger.Debug("notification skipped: no recipient", zap.String("kind", string(kind)))
		return
	}
	msg, err := s.Render(kind, to, data)
	if err != nil {
		s.logger.Error("failed to render notification", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{Type: JobTypeEmail, Payload: msg})
		if err == nil {
			return
		}
		s.logger.Warn("notification queue unavailable, sending inline", zap.Error(err))
	}
	if s.mailer == nil {
		return
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Warn("failed to send notification", zap.String("kind", string(kind)), zap.String("to", to.Email), zap.Error(err))
	}
}

// HandleJob is the queue handler for email jobs.
func (s *NotificationService) HandleJob(ctx context.Context, job jobs.Job) error {
	msg, ok := job.Payload.(mailer.Message)
	if !ok {
		s.logger.Error("unexpected email job payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.mailer.Send(ctx, msg)
}

func formatMoney(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}
