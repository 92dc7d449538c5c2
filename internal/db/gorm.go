package db

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blacktop/featx/internal/model"
	"github.com/blacktop/featx/pkg/features"
)

func gormConfig(batchSize int) *gorm.Config {
	return &gorm.Config{
		CreateBatchSize:        batchSize,
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// store implements Database on any gorm dialector.
type store struct {
	db *gorm.DB
}

func (s *store) migrate() error {
	return s.db.AutoMigrate(
		&model.Image{},
		&model.Function{},
		&model.Feature{},
	)
}

// Save stores an analyzed image.
// It replaces any previous analysis of the same image.
func (s *store) Save(img *model.Image) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := purge(tx, img.SHA256); err != nil {
			return err
		}
		return tx.Create(img).Error
	})
}

func purge(tx *gorm.DB, sha256 string) error {
	if err := tx.Where("image_sha256 = ?", sha256).Delete(&model.Feature{}).Error; err != nil {
		return err
	}
	if err := tx.Unscoped().Where("image_sha256 = ?", sha256).Delete(&model.Function{}).Error; err != nil {
		return err
	}
	return tx.Unscoped().Where("sha256 = ?", sha256).Delete(&model.Image{}).Error
}

// Get returns the image and its functions for the given hash.
// It returns model.ErrNotFound if the image does not exist.
func (s *store) Get(sha256 string) (*model.Image, error) {
	var img model.Image
	if err := s.db.Preload("Functions", func(db *gorm.DB) *gorm.DB {
		return db.Order("address")
	}).Where("sha256 = ?", sha256).First(&img).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &img, nil
}

// Features returns the features of an image at the given scope,
// or at every scope when scope is empty.
func (s *store) Features(sha256 string, scope model.Scope) ([]model.Feature, error) {
	var feats []model.Feature
	q := s.db.Where("image_sha256 = ?", sha256)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if err := q.Order("id").Find(&feats).Error; err != nil {
		return nil, err
	}
	return feats, nil
}

// Find returns every stored occurrence of a feature.
func (s *store) Find(f features.Feature) ([]model.Feature, error) {
	var feats []model.Feature
	if err := s.db.Where(map[string]any{
		"key":   model.Key(f),
		"kind":  string(f.Kind),
		"value": f.Value,
	}).
		Order("id").
		Find(&feats).Error; err != nil {
		return nil, err
	}
	return feats, nil
}

// Delete removes the given image and its features.
// It returns model.ErrNotFound if the image does not exist.
func (s *store) Delete(sha256 string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Image{}).Where("sha256 = ?", sha256).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return model.ErrNotFound
		}
		return purge(tx, sha256)
	})
}

// Close closes the database.
func (s *store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
