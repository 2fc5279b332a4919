package models

import (
	"context"

	"gorm.io/gorm"
)

type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, u *User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *UserStore) GetByID(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// EncryptedGatewayKey implements the council credential lookup. nil means no
// credential is stored.
func (s *UserStore) EncryptedGatewayKey(ctx context.Context, userID uint64) (*string, error) {
	var u User
	if err := s.db.WithContext(ctx).Select("encrypted_gateway_key").First(&u, userID).Error; err != nil {
		return nil, err
	}
	return u.EncryptedGatewayKey, nil
}

func (s *UserStore) SetEncryptedGatewayKey(ctx context.Context, userID uint64, encrypted *string) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("encrypted_gateway_key", encrypted).Error
}
