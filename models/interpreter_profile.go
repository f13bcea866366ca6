package models

import "time"

// InterpreterProfile backs the default eligibility oracle. The interpreter identity
// used throughout the engine is UserID.
type InterpreterProfile struct {
	BaseModel
	UserID      uint    `gorm:"uniqueIndex;not null" json:"user_id"`
	DisplayName string  `gorm:"type:varchar(150)" json:"display_name"`
	Gender      string  `gorm:"type:varchar(10);index" json:"gender"`
	Rating      float64 `gorm:"not null;default:0" json:"rating"`
	IsActive    bool    `gorm:"not null;default:true;index" json:"is_active"`
	OnlineAudio bool    `gorm:"not null;default:false" json:"online_audio"`
	OnlineVideo bool    `gorm:"not null;default:false" json:"online_video"`
	CompanyID   *uint   `gorm:"index" json:"company_id,omitempty"`

	Skills []InterpreterSkill `gorm:"foreignKey:InterpreterProfileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"skills,omitempty"`
}

// InterpreterSkill is one language pair an interpreter serves in one mode.
type InterpreterSkill struct {
	BaseModel
	InterpreterProfileID uint              `gorm:"not null;index" json:"interpreter_profile_id"`
	LanguageFrom         string            `gorm:"type:varchar(10);not null;index:idx_skill_pair" json:"language_from"`
	LanguageTo           string            `gorm:"type:varchar(10);not null;index:idx_skill_pair" json:"language_to"`
	InterpreterType      InterpreterType   `gorm:"type:varchar(20);not null" json:"interpreter_type"`
	CommunicationType    CommunicationType `gorm:"type:varchar(20);not null" json:"communication_type"`
	SubType              string            `gorm:"type:varchar(30)" json:"sub_type,omitempty"`
}

// CompanyPartner lets a corporate client's searches include a partner company's interpreters.
type CompanyPartner struct {
	BaseModel
	CompanyID        uint `gorm:"not null;uniqueIndex:idx_company_partner" json:"company_id"`
	PartnerCompanyID uint `gorm:"not null;uniqueIndex:idx_company_partner" json:"partner_company_id"`
}

// EligibilityCriteria is the filter handed to the eligibility oracle. Empty
// fields do not filter.
type EligibilityCriteria struct {
	LanguageFrom      string
	LanguageTo        string
	InterpreterType   InterpreterType
	CommunicationType CommunicationType
	SubType           string
	Gender            string
	// CompanyID restricts the pool to that company and its partner companies.
	CompanyID *uint
	// RequireOnline keeps only interpreters online for a remote mode.
	RequireOnline bool
	Exclude       []uint
	Limit         int
}

// CandidateProfile is the part of an interpreter the ranking needs.
type CandidateProfile struct {
	InterpreterID uint      `json:"interpreter_id"`
	Gender        string    `json:"gender"`
	CompanyID     *uint     `json:"company_id,omitempty"`
	Rating        float64   `json:"rating"`
	Online        bool      `json:"online"`
	CreatedAt     time.Time `json:"created_at"`
}
