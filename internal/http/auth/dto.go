package auth

// Response is the envelope of every auth endpoint.
type Response[T any] struct {
	Success      bool   `json:"success"`
	Data         *T     `json:"data,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID int64  `json:"tenantId,omitempty"`
}

type UserData struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	RoleName  string `json:"roleName"`
}

type LoginData struct {
	AccessToken          string   `json:"accessToken"`
	RefreshToken         string   `json:"refreshToken"`
	ExpiresAtUnixSeconds int64    `json:"expiresAtUnixSeconds"`
	User                 UserData `json:"user"`
}

type RefreshTokenRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type TokenData struct {
	AccessToken          string `json:"accessToken"`
	RefreshToken         string `json:"refreshToken"`
	ExpiresAtUnixSeconds int64  `json:"expiresAtUnixSeconds"`
}

type RevokeRequest struct {
	AccessToken string `json:"accessToken"`
}

type ForgotPasswordRequest struct {
	Email    string `json:"email"`
	TenantID int64  `json:"tenantId,omitempty"`
}

type ValidateResetTokenRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type ResetPasswordRequest struct {
	Email           string `json:"email"`
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type MessageData struct {
	Message string `json:"message"`
}
