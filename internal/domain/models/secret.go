package models

// SecretJWT is the key under which a tenant's signing secret is stored.
const SecretJWT = "JWT_SECRET"

type Secret struct {
	TenantID    int64
	Key         string
	Value       string
	Description string
}
