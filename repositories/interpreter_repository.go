package repositories

import (
	"context"
	"fmt"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IInterpreterRepository reads interpreter profiles for candidate searches.
type IInterpreterRepository interface {
	Create(ctx context.Context, profile *models.InterpreterProfile) error
	FindByUserID(ctx context.Context, userID uint) (*models.InterpreterProfile, error)
	FindPartnerCompanies(ctx context.Context, companyID uint) ([]uint, error)
	FindEligible(ctx context.Context, criteria models.EligibilityCriteria) ([]models.CandidateProfile, error)
	Count(ctx context.Context) (int64, error)
}

// InterpreterRepository implements IInterpreterRepository.
type InterpreterRepository struct {
	db *gorm.DB
}

// NewInterpreterRepository returns an IInterpreterRepository on db.
func NewInterpreterRepository(db *gorm.DB) IInterpreterRepository {
	return &InterpreterRepository{db: db}
}

func (r *InterpreterRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFor(ctx, r.db)
}

// Create inserts the profile together with its skills.
func (r *InterpreterRepository) Create(ctx context.Context, profile *models.InterpreterProfile) error {
	return r.getDB(ctx).Create(profile).Error
}

// FindByUserID returns ErrNotFound when the user has no interpreter profile.
func (r *InterpreterRepository) FindByUserID(ctx context.Context, userID uint) (*models.InterpreterProfile, error) {
	var profile models.InterpreterProfile
	if err := r.getDB(ctx).Preload("Skills").Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &profile, nil
}

// FindPartnerCompanies lists the companies sharing interpreters with companyID.
func (r *InterpreterRepository) FindPartnerCompanies(ctx context.Context, companyID uint) ([]uint, error) {
	var ids []uint
	err := r.getDB(ctx).Model(&models.CompanyPartner{}).
		Where("company_id = ?", companyID).
		Order("partner_company_id ASC").
		Pluck("partner_company_id", &ids).Error
	if err != nil {
		configslog.Log.Error("InterpreterRepository.FindPartnerCompanies: DB error", zap.Uint("company_id", companyID), zap.Error(err))
		return nil, err
	}
	return ids, nil
}

// FindEligible returns active interpreters holding a matching skill. The online
// column is taken from the communication rule table; modes without one report
// every candidate as offline.
func (r *InterpreterRepository) FindEligible(ctx context.Context, c models.EligibilityCriteria) ([]models.CandidateProfile, error) {
	rule, ok := c.CommunicationType.Rule()
	if !ok {
		return nil, fmt.Errorf("unknown communication type %q", c.CommunicationType)
	}
	online := "false"
	if rule.OnlineColumn != "" {
		online = "interpreter_profiles." + rule.OnlineColumn
	}

	matching := r.getDB(ctx).Model(&models.InterpreterSkill{}).
		Select("interpreter_profile_id").
		Where("language_from = ? AND language_to = ?", c.LanguageFrom, c.LanguageTo).
		Where("interpreter_type = ? AND communication_type = ?", c.InterpreterType, c.CommunicationType)
	if c.SubType != "" {
		matching = matching.Where("sub_type = ? OR sub_type = ''", c.SubType)
	}

	query := r.getDB(ctx).Model(&models.InterpreterProfile{}).
		Select(fmt.Sprintf(`interpreter_profiles.user_id AS interpreter_id,
			interpreter_profiles.gender AS gender,
			interpreter_profiles.company_id AS company_id,
			interpreter_profiles.rating AS rating,
			%s AS online,
			interpreter_profiles.created_at AS created_at`, online)).
		Where("interpreter_profiles.is_active = ?", true).
		Where("interpreter_profiles.id IN (?)", matching)

	if c.Gender != "" {
		query = query.Where("interpreter_profiles.gender = ?", c.Gender)
	}
	if c.CompanyID != nil {
		companies := []uint{*c.CompanyID}
		partners, err := r.FindPartnerCompanies(ctx, *c.CompanyID)
		if err != nil {
			return nil, err
		}
		companies = append(companies, partners...)
		query = query.Where("interpreter_profiles.company_id IN ?", companies)
	}
	if c.RequireOnline && rule.Remote && rule.OnlineColumn != "" {
		query = query.Where(online+" = ?", true)
	}
	if len(c.Exclude) > 0 {
		query = query.Where("interpreter_profiles.user_id NOT IN ?", c.Exclude)
	}
	query = query.Order(online + " DESC").
		Order("interpreter_profiles.rating DESC").
		Order("interpreter_profiles.created_at ASC").
		Order("interpreter_profiles.user_id ASC")
	if c.Limit > 0 {
		query = query.Limit(c.Limit)
	}

	var candidates []models.CandidateProfile
	if err := query.Scan(&candidates).Error; err != nil {
		configslog.Log.Error("InterpreterRepository.FindEligible: DB error",
			zap.String("language_from", c.LanguageFrom), zap.String("language_to", c.LanguageTo), zap.Error(err))
		return nil, err
	}
	return candidates, nil
}

// Count returns the number of interpreter profiles.
func (r *InterpreterRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.getDB(ctx).Model(&models.InterpreterProfile{}).Count(&count).Error
	return count, err
}

var _ IInterpreterRepository = (*InterpreterRepository)(nil)
