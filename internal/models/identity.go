package models

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Identity is the signed-in user as carried by the bearer token.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// CanModify reports whether the identity may edit or delete content authored by authorID.
func (i Identity) CanModify(authorID string) bool {
	return i.Role == RoleAdmin || (i.UserID != "" && i.UserID == authorID)
}
