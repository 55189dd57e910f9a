package service

import "github.com/noah-isme/lms-billing-api/internal/models"

// Actor is the authenticated caller of a service operation. The zero value is the system itself.
type Actor struct {
	ID   string
	Role models.UserRole
}

// ActorFromClaims converts validated token claims.
func ActorFromClaims(claims *models.JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{ID: claims.UserID, Role: claims.Role}
}

// IsAdmin reports whether the actor may manage billing.
func (a Actor) IsAdmin() bool {
	return a.Role.IsAdmin()
}

// IsSystem reports whether the call originates from a background job.
func (a Actor) IsSystem() bool {
	return a.ID == ""
}

func (a Actor) auditID() *string {
	if a.ID == "" {
		return nil
	}
	id := a.ID
	return &id
}
