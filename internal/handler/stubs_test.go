package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/middleware"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/service"
)

const testCronSecret = "s3cret"

type envelope struct {
	Success    bool                   `json:"success"`
	Data       json.RawMessage        `json:"data"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
	Error      *struct {
		Code   string `json:"code"`
		Status int    `json:"status"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

// testAuth stands in for JWT: X-Test-Role and X-Test-User become the caller's claims.
func testAuth(c *gin.Context) {
	if role := c.GetHeader("X-Test-Role"); role != "" {
		user := c.GetHeader("X-Test-User")
		if user == "" {
			user = "test-user"
		}
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: user, Role: models.UserRole(role)})
	}
	c.Next()
}

func newTestRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, h, RouteOptions{Authenticate: testAuth, CronSecret: testCronSecret})
	return router
}

func performRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func asRole(req *http.Request, role models.UserRole, user string) *http.Request {
	req.Header.Set("X-Test-Role", string(role))
	req.Header.Set("X-Test-User", user)
	if req.Body != nil && req.Body != http.NoBody {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func viewFor(id, userID string) models.EnrollmentView {
	var v models.EnrollmentView
	v.ID = id
	v.UserID = userID
	v.CourseID = "course-1"
	v.Status = models.EnrollmentStatusApproved
	v.State = string(billing.StateActive)
	v.UnblockRequest = models.UnblockRequest{Status: models.UnblockStatusNone}
	return v
}

type enrollmentServiceStub struct {
	list     []models.EnrollmentView
	view     *models.EnrollmentView
	err      error
	filters  []models.EnrollmentFilter
	actor    service.Actor
	created  service.CreateEnrollmentRequest
	rejected *service.RejectEnrollmentRequest
	approved string
}

func (s *enrollmentServiceStub) List(ctx context.Context, actor service.Actor, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error) {
	s.actor = actor
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return nil, nil, s.err
	}
	start := (filter.Page - 1) * filter.PageSize
	if start > len(s.list) {
		start = len(s.list)
	}
	end := start + filter.PageSize
	if end > len(s.list) {
		end = len(s.list)
	}
	return s.list[start:end], &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: len(s.list)}, nil
}

func (s *enrollmentServiceStub) Get(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error) {
	s.actor = actor
	return s.view, s.err
}

func (s *enrollmentServiceStub) Create(ctx context.Context, actor service.Actor, req service.CreateEnrollmentRequest) (*models.EnrollmentView, error) {
	s.actor = actor
	s.created = req
	return s.view, s.err
}

func (s *enrollmentServiceStub) Approve(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error) {
	s.actor = actor
	s.approved = id
	return s.view, s.err
}

func (s *enrollmentServiceStub) Reject(ctx context.Context, actor service.Actor, id string, req service.RejectEnrollmentRequest) (*models.EnrollmentView, error) {
	s.actor = actor
	s.rejected = &req
	return s.view, s.err
}

type auditTrailStub struct {
	logs  []models.AuditLog
	limit int
}

func (s *auditTrailStub) EnrollmentTrail(ctx context.Context, enrollmentID string, limit int) ([]models.AuditLog, error) {
	s.limit = limit
	return s.logs, nil
}

type paymentServiceStub struct {
	result    *service.PaymentResult
	err       error
	manual    service.ManualPaymentRequest
	verify    service.VerifyPaymentRequest
	payload   []byte
	signature string
	calls     int
}

func (s *paymentServiceStub) RecordManualPayment(ctx context.Context, actor service.Actor, enrollmentID string, req service.ManualPaymentRequest) (*service.PaymentResult, error) {
	s.calls++
	s.manual = req
	return s.result, s.err
}

func (s *paymentServiceStub) VerifyPayment(ctx context.Context, actor service.Actor, req service.VerifyPaymentRequest) (*service.PaymentResult, error) {
	s.calls++
	s.verify = req
	return s.result, s.err
}

func (s *paymentServiceStub) HandleWebhook(ctx context.Context, payload []byte, signature string) (*service.PaymentResult, error) {
	s.calls++
	s.payload = payload
	s.signature = signature
	return s.result, s.err
}

type accessCheckerStub struct {
	decision *billing.AccessDecision
	hit      bool
	err      error
	actor    service.Actor
	courseID string
}

func (s *accessCheckerStub) CheckWithSource(ctx context.Context, actor service.Actor, courseID string) (*billing.AccessDecision, bool, error) {
	s.actor = actor
	s.courseID = courseID
	return s.decision, s.hit, s.err
}

type unblockServiceStub struct {
	view   *models.EnrollmentView
	err    error
	calls  []string
	filter models.EnrollmentFilter
}

func (s *unblockServiceStub) Request(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error) {
	s.calls = append(s.calls, "request:"+id)
	return s.view, s.err
}

func (s *unblockServiceStub) Approve(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error) {
	s.calls = append(s.calls, "approve:"+id)
	return s.view, s.err
}

func (s *unblockServiceStub) Reject(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error) {
	s.calls = append(s.calls, "reject:"+id)
	return s.view, s.err
}

func (s *unblockServiceStub) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error) {
	s.filter = filter
	if s.err != nil {
		return nil, nil, s.err
	}
	return []models.EnrollmentView{}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize}, nil
}

type sweepRunnerStub struct {
	report *models.SweepReport
	err    error
	runs   int
}

func (s *sweepRunnerStub) Run(ctx context.Context) (*models.SweepReport, error) {
	s.runs++
	return s.report, s.err
}
