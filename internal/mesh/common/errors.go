package common

import (
	"errors"
	"fmt"
)

// Error codes for mesh operations
const (
	// Security errors
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeReplayDetected   = "REPLAY_DETECTED"
	ErrCodeSyncUnauthorized = "SYNC_UNAUTHORIZED"

	// Offline store errors
	ErrCodeChainBroken     = "CHAIN_BROKEN"
	ErrCodeBufferExhausted = "BUFFER_EXHAUSTED"
	ErrCodeStorageFailed   = "STORAGE_FAILED"

	// Routing errors
	ErrCodeLinkFailure     = "LINK_FAILURE"
	ErrCodeNoRoute         = "NO_ROUTE"
	ErrCodeMaxHopsExceeded = "MAX_HOPS_EXCEEDED"
	ErrCodeRateLimited     = "RATE_LIMITED"

	// Peer errors
	ErrCodePeerNotFound     = "PEER_NOT_FOUND"
	ErrCodeDuplicatePeer    = "DUPLICATE_PEER"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeInvalidPeerID    = "INVALID_PEER_ID"
	ErrCodeTransportFailed  = "TRANSPORT_FAILED"
	ErrCodeMalformedFrame   = "MALFORMED_FRAME"

	// Lifecycle errors
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodeTimeout       = "TIMEOUT"
)

// Sentinels for errors.Is matching. A *MeshError matches a sentinel when the
// codes are equal, regardless of message or context.
var (
	ErrInvalidSignature = &MeshError{Code: ErrCodeInvalidSignature}
	ErrReplayDetected   = &MeshError{Code: ErrCodeReplayDetected}
	ErrSyncUnauthorized = &MeshError{Code: ErrCodeSyncUnauthorized}
	ErrChainBroken      = &MeshError{Code: ErrCodeChainBroken}
	ErrBufferExhausted  = &MeshError{Code: ErrCodeBufferExhausted}
	ErrStorageFailed    = &MeshError{Code: ErrCodeStorageFailed}
	ErrLinkFailure      = &MeshError{Code: ErrCodeLinkFailure}
	ErrNoRoute          = &MeshError{Code: ErrCodeNoRoute}
	ErrMaxHopsExceeded  = &MeshError{Code: ErrCodeMaxHopsExceeded}
	ErrRateLimited      = &MeshError{Code: ErrCodeRateLimited}
	ErrPeerNotFound     = &MeshError{Code: ErrCodePeerNotFound}
	ErrDuplicatePeer    = &MeshError{Code: ErrCodeDuplicatePeer}
	ErrCapacityExceeded = &MeshError{Code: ErrCodeCapacityExceeded}
	ErrTransportFailed  = &MeshError{Code: ErrCodeTransportFailed}
	ErrMalformedFrame   = &MeshError{Code: ErrCodeMalformedFrame}
	ErrInvalidConfig    = &MeshError{Code: ErrCodeInvalidConfig}
	ErrInvalidState     = &MeshError{Code: ErrCodeInvalidState}
	ErrTimeout          = &MeshError{Code: ErrCodeTimeout}
)

// MeshError is a production-grade error type with context
type MeshError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "mesh error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a MeshError with the same code.
func (e *MeshError) Is(target error) bool {
	var t *MeshError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewMeshError creates a new mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with mesh error context
func WrapError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// CodeOf returns the code of the first MeshError in err's chain, or "".
func CodeOf(err error) string {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// Common error constructors

func ErrSignatureInvalid(messageID, senderID string) *MeshError {
	return NewMeshError(ErrCodeInvalidSignature, "message signature invalid").
		WithContext("message_id", messageID).
		WithContext("sender_id", senderID)
}

func ErrReplay(messageID string, age string) *MeshError {
	return NewMeshError(ErrCodeReplayDetected, "message outside replay window").
		WithContext("message_id", messageID).
		WithContext("age", age)
}

func ErrPeerMissing(peerID string) *MeshError {
	return NewMeshError(ErrCodePeerNotFound, "peer not found").
		WithContext("peer_id", peerID)
}

func ErrUnreachable(destination string) *MeshError {
	return NewMeshError(ErrCodeNoRoute, "destination unreachable").
		WithContext("destination", destination)
}

func ErrBufferFull(capacity int) *MeshError {
	return NewMeshError(ErrCodeBufferExhausted, "offline buffer exhausted").
		WithContext("capacity", capacity)
}

func ErrChainBrokenAt(sequence uint64, reason string) *MeshError {
	return NewMeshError(ErrCodeChainBroken, "offline record chain broken").
		WithContext("sequence_no", sequence).
		WithContext("reason", reason)
}

func ErrSyncDenied(reason string) *MeshError {
	return NewMeshError(ErrCodeSyncUnauthorized, "sync not authorized").
		WithContext("reason", reason)
}

func ErrLinkDown(peerID string, cause error) *MeshError {
	return WrapError(ErrCodeLinkFailure, "link failure", cause).
		WithContext("peer_id", peerID)
}

func ErrStateInvalid(operation, state string) *MeshError {
	return NewMeshError(ErrCodeInvalidState, "operation not allowed in current state").
		WithContext("operation", operation).
		WithContext("state", state)
}
