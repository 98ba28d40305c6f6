package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
)

type EventRepository interface {
	// LockResource serializes writers of one resource for the rest of the
	// current transaction.
	LockResource(ctx context.Context, resourceID uuid.UUID) error
	Create(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	GetByGoogleEventID(ctx context.Context, googleEventID string) (*Event, error)
	Update(ctx context.Context, e *Event) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	SetConsultantStatus(ctx context.Context, id uuid.UUID, status AttendanceStatus) error
	SetMirror(ctx context.Context, id uuid.UUID, googleEventID, etag *string) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns events of the filter's resource or clinic that may
	// intersect the window; recurring series are returned whole.
	List(ctx context.Context, f EventFilter) ([]*Event, error)
	availability.EventSource

	ReplaceAttendees(ctx context.Context, eventID uuid.UUID, clinicIDs []uuid.UUID) error
	ListAttendees(ctx context.Context, eventID uuid.UUID) ([]*Attendee, error)
	SetAttendance(ctx context.Context, eventID, clinicID uuid.UUID, status AttendanceStatus, at time.Time) error
}

type ChangeRequestRepository interface {
	Create(ctx context.Context, cr *ChangeRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	Resolve(ctx context.Context, id uuid.UUID, status ChangeRequestStatus, resolvedBy string, at time.Time) error
	// CloseOpen resolves every open request of an event and returns how many
	// were closed.
	CloseOpen(ctx context.Context, eventID uuid.UUID, status ChangeRequestStatus, resolvedBy string, at time.Time) (int, error)
	CountOpen(ctx context.Context, eventID uuid.UUID) (int, error)
	List(ctx context.Context, f ChangeRequestFilter, limit, offset int) ([]*ChangeRequest, int, error)
}
