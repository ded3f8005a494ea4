package models

// User is the slice of the user record the chat core needs.
type User struct {
	ID       int    `db:"id" json:"id" gorm:"primaryKey"`
	Username string `db:"username" json:"username" gorm:"not null"`
}

func (User) TableName() string { return "users" }
