package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeDocumentVersions = "2026-09-14_normalize_document_versions"
	migrationStripShareSubjectPrefixes = "2026-09-21_strip_share_subject_prefixes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDocumentVersions, apply: normalizeDocumentVersions},
		{name: migrationStripShareSubjectPrefixes, apply: stripShareSubjectPrefixes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Versions start at 1; rows imported with a zero version would otherwise never match the
// optimistic version check of a snapshot write.
func normalizeDocumentVersions(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Unscoped().
		Where("version < ?", 1).
		Update("version", 1).Error
}

// Share grants recorded before canonical user ids carried the provider-qualified form.
func stripShareSubjectPrefixes(db *gorm.DB) error {
	const prefix = "google:"
	return db.Model(&documents.ShareAccess{}).
		Where("subject_id LIKE ?", prefix+"%").
		Update("subject_id", gorm.Expr("substr(subject_id, ?)", len(prefix)+1)).Error
}
