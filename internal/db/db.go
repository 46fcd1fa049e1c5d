package db

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"abengine/internal/config"
)

// Connect opens a GORM connection using APP_DATABASE_URL (PostgreSQL URL)
// and migrates the service's tables.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables owned by the service.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Experiment{}, &Assignment{}, &Event{}, &VariantBucket{}, &User{}, &APIKey{})
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// corresponding to the bootstrap credentials in config. If a user with
// that username already exists, it is left as-is.
func EnsureBootstrapAdmin(ctx context.Context, db *gorm.DB, cfg *config.Config) (*User, error) {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, errors.New("bootstrap admin credentials are not configured")
	}

	var existing User
	err := db.WithContext(ctx).Where("username = ?", cfg.AdminUser).Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != 0 {
		return &existing, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	admin := &User{
		Username:     cfg.AdminUser,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}
	if err := db.WithContext(ctx).Create(admin).Error; err != nil {
		return nil, err
	}
	return admin, nil
}

// EnsureBootstrapAPIKey provisions cfg.ClientAPIKey as an active client key
// owned by admin. An existing row with that key is re-owned and re-enabled.
func EnsureBootstrapAPIKey(ctx context.Context, db *gorm.DB, cfg *config.Config, admin *User) error {
	if cfg.ClientAPIKey == "" {
		return nil
	}

	// Find so "not found" doesn't log as error.
	var existingKey APIKey
	if err := db.WithContext(ctx).Where("key = ?", cfg.ClientAPIKey).Limit(1).Find(&existingKey).Error; err != nil {
		return err
	}
	if existingKey.ID != 0 {
		if existingKey.UserID == admin.ID && existingKey.Active {
			return nil
		}
		existingKey.UserID = admin.ID
		existingKey.Active = true
		return db.WithContext(ctx).Save(&existingKey).Error
	}

	return db.WithContext(ctx).Create(&APIKey{
		UserID: admin.ID,
		Name:   "bootstrap",
		Key:    cfg.ClientAPIKey,
		Active: true,
	}).Error
}

// Authenticate checks username and password against the users table.
func Authenticate(ctx context.Context, db *gorm.DB, username, password string) (*User, error) {
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, err
	}
	return &user, nil
}
