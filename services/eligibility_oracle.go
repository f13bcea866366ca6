package services

import (
	"context"

	"tercuman.link/models"
	"tercuman.link/repositories"

	"gorm.io/gorm"
)

// ProfileOracle answers eligibility from the interpreter_profiles tables.
type ProfileOracle struct {
	repo repositories.IInterpreterRepository
}

// NewProfileOracle returns a ProfileOracle reading from db.
func NewProfileOracle(db *gorm.DB) *ProfileOracle {
	return &ProfileOracle{repo: repositories.NewInterpreterRepository(db)}
}

// EligibleInterpreters returns the active profiles matching criteria.
func (o *ProfileOracle) EligibleInterpreters(ctx context.Context, criteria models.EligibilityCriteria) ([]models.CandidateProfile, error) {
	return o.repo.FindEligible(ctx, criteria)
}

var _ EligibilityOracle = (*ProfileOracle)(nil)
