package auth

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already used")
	ErrLastAdmin    = errors.New("cannot remove the last administrator")
)

type Users struct {
	DB *gorm.DB
}

// Create inserts a user. The first account ever created becomes an administrator.
func (u *Users) Create(ctx context.Context, email, passwordHash string) (User, error) {
	user := User{Email: strings.ToLower(strings.TrimSpace(email)), PasswordHash: passwordHash}

	err := u.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockFirstAdmin(tx); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&User{}).Count(&n).Error; err != nil {
			return err
		}
		user.IsAdmin = n == 0
		return tx.Create(&user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// firstAdminLock is the advisory lock key serializing registrations on Postgres.
const firstAdminLock = 0x77726170 // "wrap"

// lockFirstAdmin serializes the count-then-insert of Create so two concurrent
// registrations on an empty table cannot both become admin. SQLite already
// serializes write transactions.
func lockFirstAdmin(tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", firstAdminLock).Error
}

func (u *Users) Get(ctx context.Context, id uint64) (User, error) {
	var user User
	if err := u.DB.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

func (u *Users) ByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := u.DB.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

func (u *Users) List(ctx context.Context) ([]User, error) {
	var out []User
	err := u.DB.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

type UserPatch struct {
	IsAdmin     *bool
	MediaUserID *string // empty string clears it
}

func (u *Users) Update(ctx context.Context, id uint64, p UserPatch) (User, error) {
	var user User
	err := u.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		updates := map[string]any{}
		if p.IsAdmin != nil && *p.IsAdmin != user.IsAdmin {
			if !*p.IsAdmin {
				var admins int64
				if err := tx.Model(&User{}).Where("is_admin = ?", true).Count(&admins).Error; err != nil {
					return err
				}
				if admins <= 1 {
					return ErrLastAdmin
				}
			}
			updates["is_admin"] = *p.IsAdmin
		}
		if p.MediaUserID != nil {
			if v := strings.TrimSpace(*p.MediaUserID); v != "" {
				updates["media_user_id"] = v
			} else {
				updates["media_user_id"] = nil
			}
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&user, id).Error
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}
