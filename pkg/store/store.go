package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the persistence interface the Recorder and Storage Tier
// Worker depend on, narrow enough to fake in tests without a real
// database.
type Store interface {
	CreateRecording(r Recording) (uint, error)
	FinalizeRecording(id uint, endTime time.Time, clipPath string) error

	UpsertFile(f File) (uint, error)
	FilesOlderThan(cutoff time.Time, tier string) ([]File, error)
	FilesInTier(tier string) ([]File, error)
	TotalSizeForTier(tier string) (int64, error)
	SetFileTier(id uint, tier string) error
	DeleteFile(id uint) error

	// RecordingsForCamera returns every recording row for cameraIdentifier,
	// oldest first, so the Storage Tier Worker can group files into their
	// owning recording window (spec.md §4.I.3).
	RecordingsForCamera(cameraIdentifier string) ([]Recording, error)

	SaveObject(o Object) error
	SaveMotion(m Motion) error
	SavePostProcessorResult(r PostProcessorResult) error
}

// Config configures a database connection (spec.md §10 ambient
// persistence config).
type Config struct {
	Driver   string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DSN      string `envconfig:"STORE_DSN" default:"sentinel.db"`
	Host     string `envconfig:"STORE_HOST"`
	Port     int    `envconfig:"STORE_PORT" default:"5432"`
	Username string `envconfig:"STORE_USERNAME"`
	Password string `envconfig:"STORE_PASSWORD"`
	Database string `envconfig:"STORE_DATABASE"`

	AutoMigrate bool `envconfig:"STORE_AUTOMIGRATE" default:"true"`
}

type gormStore struct {
	db *gorm.DB
}

// New opens a Store per cfg.Driver ("sqlite" or "postgres") and, if
// cfg.AutoMigrate, migrates every model.
func New(cfg Config) (Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&Recording{}, &File{}, &FileMeta{}, &Object{}, &Motion{}, &PostProcessorResult{}); err != nil {
			return nil, fmt.Errorf("store: automigrate: %w", err)
		}
	}

	return &gormStore{db: db}, nil
}

func (s *gormStore) CreateRecording(r Recording) (uint, error) {
	if err := s.db.Create(&r).Error; err != nil {
		return 0, err
	}
	return r.ID, nil
}

func (s *gormStore) FinalizeRecording(id uint, endTime time.Time, clipPath string) error {
	return s.db.Model(&Recording{}).Where("id = ?", id).
		Updates(map[string]interface{}{"end_time": endTime, "clip_path": clipPath}).Error
}

func (s *gormStore) UpsertFile(f File) (uint, error) {
	var existing File
	err := s.db.Where("path = ?", f.Path).First(&existing).Error
	if err == nil {
		f.ID = existing.ID
		return f.ID, s.db.Model(&existing).Updates(f).Error
	}
	if err := s.db.Create(&f).Error; err != nil {
		return 0, err
	}
	return f.ID, nil
}

func (s *gormStore) FilesOlderThan(cutoff time.Time, tier string) ([]File, error) {
	var files []File
	err := s.db.Where("tier = ? AND created_at < ?", tier, cutoff).Order("created_at asc").Find(&files).Error
	return files, err
}

func (s *gormStore) FilesInTier(tier string) ([]File, error) {
	var files []File
	err := s.db.Where("tier = ?", tier).Order("created_at desc").Find(&files).Error
	return files, err
}

func (s *gormStore) RecordingsForCamera(cameraIdentifier string) ([]Recording, error) {
	var recordings []Recording
	err := s.db.Where("camera_identifier = ?", cameraIdentifier).Order("start_time asc").Find(&recordings).Error
	return recordings, err
}

func (s *gormStore) TotalSizeForTier(tier string) (int64, error) {
	var total int64
	err := s.db.Model(&File{}).Where("tier = ?", tier).Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	return total, err
}

func (s *gormStore) SetFileTier(id uint, tier string) error {
	return s.db.Model(&File{}).Where("id = ?", id).Update("tier", tier).Error
}

func (s *gormStore) DeleteFile(id uint) error {
	return s.db.Delete(&File{}, id).Error
}

func (s *gormStore) SaveObject(o Object) error {
	return s.db.Create(&o).Error
}

func (s *gormStore) SaveMotion(m Motion) error {
	return s.db.Create(&m).Error
}

func (s *gormStore) SavePostProcessorResult(r PostProcessorResult) error {
	return s.db.Create(&r).Error
}
