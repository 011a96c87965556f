package domain

import (
	"errors"
	"fmt"
)

// Kind classifies per-record failures
type Kind int

const (
	KindUnknown Kind = iota
	KindIdentityAmbiguous
	KindIdentityNotFound
	KindIdentityExists
	KindInvalidRevision
	KindMissing005
	KindConflictingRevisions
	KindAttachmentFetchFailed
	KindAttachmentRenameCollision
	KindRelationUnresolvedToken
	KindPersistenceFailure
	KindInvalidRecord
)

var kindNames = map[Kind]string{
	KindUnknown:                   "Unknown",
	KindIdentityAmbiguous:         "IdentityAmbiguous",
	KindIdentityNotFound:          "IdentityNotFound",
	KindIdentityExists:            "IdentityExists",
	KindInvalidRevision:           "InvalidRevision",
	KindMissing005:                "Missing005",
	KindConflictingRevisions:      "ConflictingRevisions",
	KindAttachmentFetchFailed:     "AttachmentFetchFailed",
	KindAttachmentRenameCollision: "AttachmentRenameCollision",
	KindRelationUnresolvedToken:   "RelationUnresolvedToken",
	KindPersistenceFailure:        "PersistenceFailure",
	KindInvalidRecord:             "InvalidRecord",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Routing is what the batch driver does with a failed record
type Routing int

const (
	// RouteFatal rejects the record with status 1.
	RouteFatal Routing = iota
	// RouteHoldingPen quarantines the record with status 2.
	RouteHoldingPen
	// RouteFallback continues with coarse merging, unless policy says otherwise.
	RouteFallback
)

// Routing returns how failures of kind k are handled.
func (k Kind) Routing() Routing {
	switch k {
	case KindConflictingRevisions, KindInvalidRevision:
		return RouteHoldingPen
	case KindMissing005:
		return RouteFallback
	default:
		return RouteFatal
	}
}

// Error is a per-record failure with a kind
type Error struct {
	Code     Kind
	RecordID int64
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RecordID > 0 {
		msg += fmt.Sprintf(" (record %d)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels (ErrIdentityNotFound and friends) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil && t.RecordID == 0
}

// Errorf builds an Error of kind k.
func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Code: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of kind k around err.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Code: k, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinels for errors.Is.
var (
	ErrIdentityAmbiguous         = &Error{Code: KindIdentityAmbiguous}
	ErrIdentityNotFound          = &Error{Code: KindIdentityNotFound}
	ErrIdentityExists            = &Error{Code: KindIdentityExists}
	ErrInvalidRevision           = &Error{Code: KindInvalidRevision}
	ErrMissing005                = &Error{Code: KindMissing005}
	ErrConflictingRevisions      = &Error{Code: KindConflictingRevisions}
	ErrAttachmentFetchFailed     = &Error{Code: KindAttachmentFetchFailed}
	ErrAttachmentRenameCollision = &Error{Code: KindAttachmentRenameCollision}
	ErrRelationUnresolvedToken   = &Error{Code: KindRelationUnresolvedToken}
	ErrPersistenceFailure        = &Error{Code: KindPersistenceFailure}
	ErrInvalidRecord             = &Error{Code: KindInvalidRecord}
)

// KindError is implemented by every error carrying a Kind.
type KindError interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first KindError in err's chain.
func KindOf(err error) Kind {
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindUnknown
}
