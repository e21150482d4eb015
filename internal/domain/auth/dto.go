package auth

import "time"

// RegisterRequest for user registration
type RegisterRequest struct {
	Name     string `json:"name" binding:"required,max=64"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// LoginRequest for user login
type LoginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest carries the opaque refresh token verbatim.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// LoginResult is the credential pair issued on login, registration and refresh.
type LoginResult struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LoginResponse successful login response
type LoginResponse struct {
	LoginResult
	User *UserInfo `json:"user,omitempty"`
}

// UserInfo minimal user information
type UserInfo struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Rank      int16     `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

func NewUserInfo(u *User) *UserInfo {
	if u == nil {
		return nil
	}
	return &UserInfo{ID: u.ID, Name: u.Name, Rank: u.Rank, CreatedAt: u.CreatedAt}
}
