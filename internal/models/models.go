package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Role is persisted by ordinal, so new values must be appended.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "USER"
	case RoleAdmin:
		return "ADMIN"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "USER":
		return RoleUser, nil
	case "ADMIN":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

type User struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"          json:"id"`
	Username       string         `gorm:"size:255;not null"                 json:"username"`
	Email          string         `gorm:"size:255;not null;uniqueIndex"     json:"email"`
	EmailConfirmed bool           `gorm:"not null;default:false"            json:"emailConfirmed"`
	PasswordHash   string         `gorm:"column:password_hash;not null"     json:"-"`
	Role           Role           `gorm:"not null;default:0"                json:"role"`
	CreatedAt      time.Time      `gorm:"not null"                          json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"not null"                          json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `gorm:"index"                             json:"-"`
	LastLogin      *time.Time     `                                         json:"lastLogin,omitempty"`
}
