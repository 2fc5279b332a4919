package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null"`
	PasswordHash string `gorm:"type:varchar(128);not null"`

	// BYOK gateway key, written only through vault.Encrypt. Never sent to
	// clients in decrypted form.
	EncryptedGatewayKey *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
