package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

// CreateEnrollmentRequest is the intake payload.
type CreateEnrollmentRequest struct {
	Personal          map[string]string `json:"personal"`
	Contact           map[string]string `json:"contact"`
	Address           map[string]string `json:"address"`
	ConsentGiven      bool              `json:"consent_given"`
	RequiredDocuments int               `json:"required_documents" binding:"required,min=1"`
}

// CreateEnrollment handles POST /api/v1/enrollments.
func (s *Server) CreateEnrollment(c *gin.Context) {
	var req CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Validation("INVALID_REQUEST", err.Error()))
		return
	}

	enrollment, err := s.orch.CreateEnrollment(requestCtx(c), domain.EnrollmentMetadata{
		Personal:     req.Personal,
		Contact:      req.Contact,
		Address:      req.Address,
		ConsentGiven: req.ConsentGiven,
	}, req.RequiredDocuments)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, enrollment)
}

// GetEnrollment handles GET /api/v1/enrollments/:id.
func (s *Server) GetEnrollment(c *gin.Context) {
	enrollment, err := s.orch.Get(requestCtx(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, enrollment)
}

// AdvanceEnrollment handles POST /api/v1/enrollments/:id/advance.
func (s *Server) AdvanceEnrollment(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Advance(requestCtx(c), id); err != nil {
		_ = c.Error(err)
		return
	}
	enrollment, err := s.orch.Get(requestCtx(c), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, enrollment)
}

// WithdrawEnrollment handles POST /api/v1/enrollments/:id/withdraw.
func (s *Server) WithdrawEnrollment(c *gin.Context) {
	if err := s.orch.Withdraw(requestCtx(c), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadDocumentRequest registers an already-stored document for OCR.
type UploadDocumentRequest struct {
	Type        string `json:"type" binding:"required"`
	StorageRef  string `json:"storage_ref" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
	SizeBytes   int64  `json:"size_bytes" binding:"required,min=1"`
}

// UploadDocument handles POST /api/v1/enrollments/:id/documents.
func (s *Server) UploadDocument(c *gin.Context) {
	var req UploadDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Validation("INVALID_REQUEST", err.Error()))
		return
	}

	doc, err := s.orch.AddDocument(requestCtx(c), c.Param("id"),
		domain.DocumentType(req.Type), req.StorageRef, req.ContentType, req.SizeBytes)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// HealthDeclarationRequest is the applicant's health declaration payload.
type HealthDeclarationRequest struct {
	BirthDate   string               `json:"birth_date" binding:"required"`
	Gender      string               `json:"gender"`
	FamilyName  string               `json:"family_name" binding:"required"`
	GivenName   string               `json:"given_name" binding:"required"`
	Conditions  []domain.HealthEntry `json:"conditions"`
	Medications []domain.HealthEntry `json:"medications"`
	Allergies   []domain.HealthEntry `json:"allergies"`
}

// SubmitHealthDeclaration handles POST /api/v1/enrollments/:id/health-declaration.
func (s *Server) SubmitHealthDeclaration(c *gin.Context) {
	var req HealthDeclarationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Validation("INVALID_REQUEST", err.Error()))
		return
	}

	record, err := s.orch.SubmitHealthDeclaration(requestCtx(c), c.Param("id"), domain.HealthRecord{
		BirthDate:   req.BirthDate,
		Gender:      req.Gender,
		FamilyName:  req.FamilyName,
		GivenName:   req.GivenName,
		Conditions:  req.Conditions,
		Medications: req.Medications,
		Allergies:   req.Allergies,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// VerifyHealthDeclaration handles POST /api/v1/enrollments/:id/health-declaration/verify.
func (s *Server) VerifyHealthDeclaration(c *gin.Context) {
	if err := s.orch.VerifyHealthRecord(requestCtx(c), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetAuditTrail handles GET /api/v1/enrollments/:id/audit. Detail maps are
// already PHI-redacted at write time.
func (s *Server) GetAuditTrail(c *gin.Context) {
	records, err := s.audit.List(requestCtx(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
