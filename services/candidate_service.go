package services

import (
	"context"
	"fmt"
	"sort"

	"tercuman.link/models"
)

// candidateScanLimit caps how many eligible interpreters are ranked per search.
const candidateScanLimit = 500

// ICandidateService produces the ranked candidates of one wave.
type ICandidateService interface {
	FindCandidates(ctx context.Context, order *models.AppointmentOrder, wave int, exclude []uint) ([]uint, error)
	CountCandidates(ctx context.Context, order *models.AppointmentOrder, wave int, exclude []uint) (int, error)
}

// CandidateService ranks what the eligibility oracle returns.
type CandidateService struct {
	oracle         EligibilityOracle
	firstWaveSize  int
	secondWaveSize int
}

// NewCandidateService ranks the oracle's answers into waves of the given sizes.
func NewCandidateService(oracle EligibilityOracle, firstWaveSize, secondWaveSize int) *CandidateService {
	return &CandidateService{oracle: oracle, firstWaveSize: firstWaveSize, secondWaveSize: secondWaveSize}
}

// criteriaForWave builds the oracle filter. Wave 1 honours the soft preferences
// (gender, the client's company); wave 2 keeps only the hard constraints.
// On-demand remote orders need an interpreter online right now in both waves.
func criteriaForWave(order *models.AppointmentOrder, wave int) models.EligibilityCriteria {
	req := order.Requirements
	c := models.EligibilityCriteria{
		LanguageFrom:      req.LanguageFrom,
		LanguageTo:        req.LanguageTo,
		InterpreterType:   req.InterpreterType,
		CommunicationType: req.CommunicationType,
		SubType:           req.InterpretingSubType,
		RequireOnline:     order.IsOnDemand,
		Limit:             candidateScanLimit,
	}
	if req.CompanyOnly || wave == 1 {
		c.CompanyID = req.CompanyID
	}
	if wave == 1 {
		c.Gender = req.GenderPreference
	}
	return c
}

// FindCandidates returns at most the wave size of interpreter ids, never one in
// exclude. Equal inputs always give the same order.
func (s *CandidateService) FindCandidates(ctx context.Context, order *models.AppointmentOrder, wave int, exclude []uint) ([]uint, error) {
	size := s.firstWaveSize
	if wave == 2 {
		size = s.secondWaveSize
	}
	ranked, err := s.eligible(ctx, order, wave, exclude)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, nil
	}
	if len(ranked) > size {
		ranked = ranked[:size]
	}
	ids := make([]uint, len(ranked))
	for i, p := range ranked {
		ids[i] = p.InterpreterID
	}
	return ids, nil
}

// CountCandidates is the number of interpreters the wave's criteria admit
// outside exclude, without the wave size cap.
func (s *CandidateService) CountCandidates(ctx context.Context, order *models.AppointmentOrder, wave int, exclude []uint) (int, error) {
	ranked, err := s.eligible(ctx, order, wave, exclude)
	if err != nil {
		return 0, err
	}
	return len(ranked), nil
}

// eligible asks the oracle for the wave and returns the ranked, deduplicated
// profiles outside exclude.
func (s *CandidateService) eligible(ctx context.Context, order *models.AppointmentOrder, wave int, exclude []uint) ([]models.CandidateProfile, error) {
	if wave != 1 && wave != 2 {
		return nil, fmt.Errorf("%w: no candidate wave %d", ErrInvariantViolation, wave)
	}
	criteria := criteriaForWave(order, wave)
	criteria.Exclude = exclude
	profiles, err := s.oracle.EligibleInterpreters(ctx, criteria)
	if err != nil {
		return nil, err
	}

	excluded := make(map[uint]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	ranked := make([]models.CandidateProfile, 0, len(profiles))
	for _, p := range profiles {
		if excluded[p.InterpreterID] {
			continue
		}
		excluded[p.InterpreterID] = true // dedupe
		ranked = append(ranked, p)
	}
	RankCandidates(ranked)
	return ranked, nil
}

// RankCandidates sorts online first, then rating descending, then earliest
// profile, then id.
func RankCandidates(profiles []models.CandidateProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.Online != b.Online {
			return a.Online
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.InterpreterID < b.InterpreterID
	})
}

var _ ICandidateService = (*CandidateService)(nil)
