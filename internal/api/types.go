package api

import "pcdattach/internal/models"

// ErrorResponse is the JSON error body returned by the ops server.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AttachmentListResponse is the body of the owner listing endpoint.
type AttachmentListResponse struct {
	Owner       models.OwnerRef     `json:"owner"`
	Attachments []models.Attachment `json:"attachments"`
}
