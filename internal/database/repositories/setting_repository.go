package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/database/models"
)

// SettingRepository handles setting data access.
type SettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// FindAll returns all settings.
func (r *SettingRepository) FindAll(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	result := r.db.WithContext(ctx).
		Order("key ASC").
		Find(&settings)
	return settings, result.Error
}

// FindByKey returns a setting by key.
func (r *SettingRepository) FindByKey(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	result := r.db.WithContext(ctx).First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

// Upsert creates or updates a setting by key.
func (r *SettingRepository) Upsert(ctx context.Context, key, value string) (*models.Setting, error) {
	var setting models.Setting

	result := r.db.WithContext(ctx).First(&setting, "key = ?", key)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		setting = models.Setting{
			ID:    cuid.New(),
			Key:   key,
			Value: value,
		}
		if err := r.db.WithContext(ctx).Create(&setting).Error; err != nil {
			return nil, err
		}
		return &setting, nil
	} else if result.Error != nil {
		return nil, result.Error
	}

	setting.Value = value
	if err := r.db.WithContext(ctx).Save(&setting).Error; err != nil {
		return nil, err
	}

	return &setting, nil
}

// Delete deletes a setting by key.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&models.Setting{}, "key = ?", key).Error
}

// LoadProperties returns the parameter document stored under name, or nil
// when it has never been saved.
func (r *SettingRepository) LoadProperties(ctx context.Context, name string) (config.Properties, error) {
	setting, err := r.FindByKey(ctx, name)
	if err != nil || setting == nil {
		return nil, err
	}
	props, err := config.ParsePropertiesString(setting.Value)
	if err != nil {
		return nil, fmt.Errorf("stored %s: %w", name, err)
	}
	return props, nil
}

// SaveProperties stores a parameter document under name.
func (r *SettingRepository) SaveProperties(ctx context.Context, name string, props config.Properties) error {
	_, err := r.Upsert(ctx, name, props.String())
	return err
}

// LoadNodeParams applies every stored document over the defaults.
func (r *SettingRepository) LoadNodeParams(ctx context.Context) (config.NodeParams, error) {
	params := config.DefaultNodeParams()
	for _, name := range config.Documents() {
		props, err := r.LoadProperties(ctx, name)
		if err != nil {
			return params, err
		}
		if props == nil {
			continue
		}
		if err := params.Apply(name, props); err != nil {
			return params, fmt.Errorf("stored %s: %w", name, err)
		}
	}
	return params, nil
}
