package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"gorm.io/gorm"
)

// APIKey is a bearer token for the client routes (assignment lookups and
// event tracking), typically one per calling service.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// UserID links this key to the operator who issued it.
	UserID uint `gorm:"index;not null"`

	// Name identifies the calling service (e.g. "storefront").
	Name string `gorm:"size:128;not null"`

	Key string `gorm:"uniqueIndex;size:255;not null"`

	Active bool `gorm:"default:true"`

	User User `gorm:"foreignKey:UserID"`
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ab_" + base64.URLEncoding.EncodeToString(b), nil
}

// CreateAPIKey issues a new active key named name for owner.
func CreateAPIKey(ctx context.Context, db *gorm.DB, owner *User, name string) (*APIKey, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	apiKey := &APIKey{
		UserID: owner.ID,
		Name:   name,
		Key:    key,
		Active: true,
	}
	if err := db.WithContext(ctx).Create(apiKey).Error; err != nil {
		return nil, err
	}
	return apiKey, nil
}

// LookupAPIKey returns the active key with the given token and its owner.
func LookupAPIKey(ctx context.Context, db *gorm.DB, token string) (*APIKey, error) {
	var apiKey APIKey
	if err := db.WithContext(ctx).Where("key = ? AND active = ?", token, true).Preload("User").First(&apiKey).Error; err != nil {
		return nil, err
	}
	return &apiKey, nil
}
