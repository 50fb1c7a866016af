package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/directory"
)

// RelationshipGuard enforces that a patient only books with a doctor they are assigned to.
// Any directory failure denies the booking.
type RelationshipGuard struct {
	dir directory.Directory
}

func NewRelationshipGuard(dir directory.Directory) *RelationshipGuard {
	return &RelationshipGuard{dir: dir}
}

// Check returns the doctor on success.
func (g *RelationshipGuard) Check(ctx context.Context, doctorID, patientID uuid.UUID) (*directory.Doctor, error) {
	doc, err := g.dir.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return nil, apperrors.NotFound("doctor %s not found", doctorID)
		}
		return nil, upstream(err, "doctor directory unavailable")
	}
	if !doc.IsActive {
		return nil, apperrors.NotFound("doctor %s not found", doctorID)
	}

	assigned, err := g.dir.IsAssigned(ctx, doctorID, patientID)
	if err != nil {
		return nil, upstream(err, "relationship directory unavailable")
	}
	if !assigned {
		return nil, apperrors.Relationship("you can only book appointments with your assigned doctor")
	}

	return doc, nil
}

// upstream classifies a collaborator failure. Errors that already carry a kind keep it.
func upstream(err error, msg string) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Upstream(err, "%s", msg)
}
