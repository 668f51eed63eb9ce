// Copyright (C) 2025 GhostWire (hsmalley@ghostwire.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request, response, and error types shared
// by the controller's handlers and services.
package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode identifies an error family across the HTTP surface. Codes are
// stable strings: clients and dashboards key on them.
type ErrorCode string

const (
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeDimensionMismatch  ErrorCode = "EMBEDDING_DIM_MISMATCH"
	ErrCodeDatabase           ErrorCode = "DATABASE_ERROR"
	ErrCodeEmbedding          ErrorCode = "EMBEDDING_ERROR"
	ErrCodeGeneration         ErrorCode = "GENERATION_ERROR"
	ErrCodeIndex              ErrorCode = "INDEX_ERROR"
	ErrCodeIndexShape         ErrorCode = "INDEX_SHAPE_ERROR"
	ErrCodeMemoryNotFound     ErrorCode = "MEMORY_NOT_FOUND"
	ErrCodeCollectionNotFound ErrorCode = "COLLECTION_NOT_FOUND"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// HTTPStatus maps an error code to the status the surface returns for it.
// Only validation and not-found families ever reach clients as non-2xx;
// everything else is recovered internally or surfaced in-band.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeValidation, ErrCodeDimensionMismatch:
		return http.StatusUnprocessableEntity
	case ErrCodeMemoryNotFound, ErrCodeCollectionNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Error Types
// =============================================================================

// ValidationError reports malformed caller input. Never retried; surfaced
// as 422 with the offending field in details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// DimensionMismatchError is a validation failure carrying the expected and
// observed vector dimensions.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// UpstreamEmbeddingError means every embedding candidate failed. The RAG
// pipeline converts it to the epsilon-vector fallback; only /v1/embeddings
// surfaces it as a 500.
type UpstreamEmbeddingError struct {
	Model string
	Cause error
}

func (e *UpstreamEmbeddingError) Error() string {
	return fmt.Sprintf("embedding upstream failed (model %q): %v", e.Model, e.Cause)
}

func (e *UpstreamEmbeddingError) Unwrap() error { return e.Cause }

// UpstreamGenerationError is a generation upstream failure, whether the
// transport broke or the upstream answered a non-OK status. It is always
// surfaced in-stream as a single "[ERROR] ..." line, never as a status code
// (headers are gone by the time streaming starts).
type UpstreamGenerationError struct {
	Cause error
}

func (e *UpstreamGenerationError) Error() string {
	return fmt.Sprintf("generation upstream failed: %v", e.Cause)
}

func (e *UpstreamGenerationError) Unwrap() error { return e.Cause }

// StorageError wraps a row-store failure. The persistence path logs and
// swallows it; the user-visible reply is unaffected.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// IndexError wraps an ANN add/query failure. Adds are logged and ignored;
// queries trigger the cosine fallback scan.
type IndexError struct {
	Op    string
	Cause error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Cause)
}

func (e *IndexError) Unwrap() error { return e.Cause }

// IndexShapeError means a snapshot's dimension does not match the configured
// one. The snapshot is discarded and the index warm-rebuilt from the store.
type IndexShapeError struct {
	Expected int
	Actual   int
}

func (e *IndexShapeError) Error() string {
	return fmt.Sprintf("index snapshot dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// CollectionNotFoundError reports a GET against a dropped or never-written
// collection.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection %q not found", e.Name)
}

// =============================================================================
// Classification Helpers
// =============================================================================

// CodeFor classifies err into an ErrorCode. Untyped errors fall into the
// DATABASE_ERROR bucket (500); callers that know better should construct
// typed errors instead of relying on the fallback.
func CodeFor(err error) ErrorCode {
	var (
		ve  *ValidationError
		de  *DimensionMismatchError
		ee  *UpstreamEmbeddingError
		ge  *UpstreamGenerationError
		se  *StorageError
		ie  *IndexError
		ise *IndexShapeError
		ce  *CollectionNotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return ErrCodeValidation
	case errors.As(err, &de):
		return ErrCodeDimensionMismatch
	case errors.As(err, &ee):
		return ErrCodeEmbedding
	case errors.As(err, &ge):
		return ErrCodeGeneration
	case errors.As(err, &se):
		return ErrCodeDatabase
	case errors.As(err, &ise):
		return ErrCodeIndexShape
	case errors.As(err, &ie):
		return ErrCodeIndex
	case errors.As(err, &ce):
		return ErrCodeCollectionNotFound
	default:
		return ErrCodeDatabase
	}
}

// IsValidation reports whether err is a validation-family error.
func IsValidation(err error) bool {
	code := CodeFor(err)
	return code == ErrCodeValidation || code == ErrCodeDimensionMismatch
}

// ErrorBody is the standard error envelope the controller returns on
// non-2xx responses: {"error": {"code", "message", "details"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewErrorBody builds the error envelope for err, attaching field or
// dimension details where the error type carries them.
func NewErrorBody(err error) ErrorBody {
	body := ErrorBody{Error: ErrorDetail{
		Code:    CodeFor(err),
		Message: err.Error(),
	}}

	var ve *ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body.Error.Details = map[string]any{"field": ve.Field}
	}
	var de *DimensionMismatchError
	if errors.As(err, &de) {
		body.Error.Details = map[string]any{"expected": de.Expected, "actual": de.Actual}
	}
	return body
}
