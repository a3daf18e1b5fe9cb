package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Machine-readable error codes.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeNotFound             = "NOT_FOUND"
	CodeDuplicateSession     = "DUPLICATE_SESSION"
	CodeDuplicateParticipant = "DUPLICATE_PARTICIPANT"
	CodeSessionFull          = "SESSION_FULL"
	CodeCapacityExceeded     = "CAPACITY_EXCEEDED"
	CodeWorkerDraining       = "WORKER_DRAINING"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
)

// Body is the standard API response envelope.
type Body struct {
	Success           bool        `json:"success"`
	Data              interface{} `json:"data,omitempty"`
	Error             string      `json:"error,omitempty"`
	Code              string      `json:"code,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err, Code: CodeInvalidInput})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err, Code: CodeNotFound})
}

// Conflict sends 409 with a code telling the caller which conflict occurred.
func Conflict(c *gin.Context, code, err string) {
	c.JSON(http.StatusConflict, Body{Success: false, Error: err, Code: code})
}

// CapacityExceeded sends 503 with a Retry-After header so clients back off.
func CapacityExceeded(c *gin.Context, err string, retryAfterSeconds int) {
	RetryLater(c, CodeCapacityExceeded, err, retryAfterSeconds)
}

// RetryLater sends 503 with code and a Retry-After header.
func RetryLater(c *gin.Context, code, err string, retryAfterSeconds int) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	c.JSON(http.StatusServiceUnavailable, Body{
		Success:           false,
		Error:             err,
		Code:              code,
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, code, err string) {
	c.JSON(http.StatusServiceUnavailable, Body{Success: false, Error: err, Code: code})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}
