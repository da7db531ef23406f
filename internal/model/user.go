package model

import "time"

// Role 用户角色。
type Role string

const (
	RoleCustomer Role = "customer"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// IsStaff 管理员与店长都算员工。
func (r Role) IsStaff() bool { return r == RoleAdmin || r == RoleManager }

// User 认证与员工名单所需的最小用户视图。
type User struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name   string `gorm:"size:128;not null" json:"name"`
	Email  string `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Phone  string `gorm:"size:32" json:"phone,omitempty"`
	Role   Role   `gorm:"size:16;not null;index" json:"role"`
	Active bool   `gorm:"not null;default:true" json:"active"`
}

func (User) TableName() string { return "users" }

// Actor 发起请求的身份，由认证中间件解析得到。
type Actor struct {
	UserID string
	Role   Role
}

// CanAccess 订单本人或员工可访问。
func (a Actor) CanAccess(o Order) bool {
	return a.Role.IsStaff() || o.IsOwnedBy(a.UserID)
}
