package handler

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-billing-api/internal/models"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
)

func TestEnrollmentListRequiresAuthentication(t *testing.T) {
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(&enrollmentServiceStub{}, nil)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/enrollments", nil)
	resp := performRequest(router, req)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestEnrollmentListParsesFilters(t *testing.T) {
	svc := &enrollmentServiceStub{list: []models.EnrollmentView{viewFor("enr-1", "stu-1")}}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	req := asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments?status=APPROVED&course_id=course-1&user_id=stu-1&blocked=true&page=1&limit=5", nil), models.RoleAdmin, "admin-1")
	resp := performRequest(router, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, svc.filters, 1)
	filter := svc.filters[0]
	assert.Equal(t, models.EnrollmentStatusApproved, filter.Status)
	assert.Equal(t, "course-1", filter.CourseID)
	assert.Equal(t, "stu-1", filter.UserID)
	require.NotNil(t, filter.Blocked)
	assert.True(t, *filter.Blocked)
	assert.Equal(t, 5, filter.PageSize)
	assert.Equal(t, "admin-1", svc.actor.ID)

	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 1, env.Pagination.TotalCount)
}

func TestEnrollmentListRejectsBadBlockedFlag(t *testing.T) {
	svc := &enrollmentServiceStub{}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	req := asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments?blocked=maybe", nil), models.RoleStudent, "stu-1")
	resp := performRequest(router, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, svc.filters)
}

func TestEnrollmentCreate(t *testing.T) {
	view := viewFor("enr-1", "stu-1")
	svc := &enrollmentServiceStub{view: &view}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	body := bytes.NewBufferString(`{"course_id":"course-1","amount":500,"months_paid":1,"transaction_id":"tx-1"}`)
	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments", body), models.RoleStudent, "stu-1"))

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "course-1", svc.created.CourseID)
	assert.Equal(t, int64(500), svc.created.Amount)
	assert.Equal(t, "tx-1", svc.created.TransactionID)
	assert.Equal(t, "stu-1", svc.actor.ID)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &data))
	assert.Equal(t, "enr-1", data["id"])
	assert.Equal(t, "ACTIVE", data["state"])
}

func TestEnrollmentCreateInvalidPayload(t *testing.T) {
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(&enrollmentServiceStub{}, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments", bytes.NewBufferString(`{"course_id":`)), models.RoleStudent, "stu-1"))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestEnrollmentCreateDuplicate(t *testing.T) {
	svc := &enrollmentServiceStub{err: appErrors.ErrDuplicateEnrollment}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments", bytes.NewBufferString(`{"course_id":"course-1"}`)), models.RoleStudent, "stu-1"))

	assert.Equal(t, http.StatusConflict, resp.Code)
	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, env.Error.Code)
}

func TestEnrollmentGetPropagatesOwnershipError(t *testing.T) {
	svc := &enrollmentServiceStub{err: appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another user")}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-9", nil), models.RoleStudent, "stu-2"))

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestEnrollmentApproveIsAdminOnly(t *testing.T) {
	view := viewFor("enr-1", "stu-1")
	svc := &enrollmentServiceStub{view: &view}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/enr-1/approve", nil), models.RoleStudent, "stu-1"))
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Empty(t, svc.approved)

	resp = performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/enr-1/approve", nil), models.RoleSuperAdmin, "root"))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "enr-1", svc.approved)
}

func TestEnrollmentRejectBodyIsOptional(t *testing.T) {
	view := viewFor("enr-1", "stu-1")
	svc := &enrollmentServiceStub{view: &view}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/enr-1/reject", nil), models.RoleAdmin, "admin-1"))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, svc.rejected)
	assert.Empty(t, svc.rejected.Reason)

	body := bytes.NewBufferString(`{"reason":"payment slip unreadable"}`)
	resp = performRequest(router, asRole(httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/enr-1/reject", body), models.RoleAdmin, "admin-1"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "payment slip unreadable", svc.rejected.Reason)
}

func TestEnrollmentAuditTrail(t *testing.T) {
	audit := &auditTrailStub{logs: []models.AuditLog{{Action: models.AuditActionEnrollmentApprove}}}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(&enrollmentServiceStub{}, audit)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-1/audit?limit=5", nil), models.RoleAdmin, "admin-1"))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 5, audit.limit)
}

func TestEnrollmentAuditTrailWithoutReader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewEnrollmentHandler(&enrollmentServiceStub{}, nil)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-1/audit", nil)

	handler.Audit(c)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEnrollmentExportPagesThroughEverything(t *testing.T) {
	svc := &enrollmentServiceStub{}
	for i := 0; i < 150; i++ {
		svc.list = append(svc.list, viewFor(fmt.Sprintf("enr-%03d", i), "stu-1"))
	}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(svc, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/export?status=approved", nil), models.RoleAdmin, "admin-1"))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/csv"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "enrollments-")

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 151)
	assert.Equal(t, "enrollment_id", records[0][0])
	assert.Equal(t, "enr-149", records[150][0])

	require.Len(t, svc.filters, 2)
	assert.Equal(t, 100, svc.filters[0].PageSize)
	assert.Equal(t, 2, svc.filters[1].Page)
	assert.Equal(t, models.EnrollmentStatusApproved, svc.filters[1].Status)
}

func TestEnrollmentExportPayments(t *testing.T) {
	view := viewFor("enr-1", "stu-1")
	view.PaymentHistory = []models.PaymentEntry{{
		EnrollmentID:  "enr-1",
		TransactionID: "tx-1",
		Amount:        500,
		MonthLabel:    "Joining - January 2024",
		MonthsPaid:    1,
		Status:        models.PaymentStatusSuccess,
		Method:        models.PaymentMethodManual,
		PaidAt:        time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC),
	}}
	router := newTestRouter(Handlers{Enrollments: NewEnrollmentHandler(&enrollmentServiceStub{view: &view}, nil)})

	resp := performRequest(router, asRole(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-1/payments/export", nil), models.RoleStudent, "stu-1"))

	require.Equal(t, http.StatusOK, resp.Code)
	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Joining - January 2024", records[1][2])
}
