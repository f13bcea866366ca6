package seeders

import (
	"errors"
	"fmt"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// demoPairs are the language pairs every demo interpreter serves.
var demoPairs = [][2]string{{"tr", "en"}, {"en", "tr"}, {"tr", "de"}, {"de", "tr"}}

// DemoInterpreters builds the profiles used for local runs; user ids start at firstUserID.
func DemoInterpreters(firstUserID uint, count int) []models.InterpreterProfile {
	genders := []string{"female", "male"}
	profiles := make([]models.InterpreterProfile, 0, count)
	for i := 0; i < count; i++ {
		var skills []models.InterpreterSkill
		for _, pair := range demoPairs {
			for _, mode := range []models.CommunicationType{models.CommunicationAudio, models.CommunicationVideo, models.CommunicationOnSite} {
				skills = append(skills, models.InterpreterSkill{
					LanguageFrom:      pair[0],
					LanguageTo:        pair[1],
					InterpreterType:   models.InterpreterGeneral,
					CommunicationType: mode,
				})
			}
		}
		profiles = append(profiles, models.InterpreterProfile{
			UserID:      firstUserID + uint(i),
			DisplayName: fmt.Sprintf("Demo Interpreter %02d", i+1),
			Gender:      genders[i%len(genders)],
			Rating:      float64(30+i%20) / 10,
			IsActive:    true,
			OnlineAudio: i%2 == 0,
			OnlineVideo: i%3 == 0,
			Skills:      skills,
		})
	}
	return profiles
}

// SeedInterpreters inserts the demo interpreters unless profiles already exist.
func SeedInterpreters(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.InterpreterProfile{}).Count(&count).Error; err != nil {
		configslog.Log.Error("Interpreter profiles could not be counted", zap.Error(err))
		return err
	}
	if count > 0 {
		configslog.SLog.Infof("%d interpreter profiles already exist, seeding skipped.", count)
		return nil
	}

	profiles := DemoInterpreters(1000, 20)
	errorOccurred := false
	for i := range profiles {
		if err := db.Create(&profiles[i]).Error; err != nil {
			configslog.Log.Error("Interpreter profile could not be created",
				zap.Uint("user_id", profiles[i].UserID), zap.Error(err))
			errorOccurred = true
		}
	}
	if errorOccurred {
		return errors.New("at least one interpreter profile could not be seeded")
	}
	configslog.SLog.Infof("%d demo interpreter profiles seeded.", len(profiles))
	return nil
}
