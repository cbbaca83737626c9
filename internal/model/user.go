package model

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Field length limits for User fields.
const (
	MaxNameLen  = 255
	MaxEmailLen = 255
	// MaxEmailFilterLen caps the email filter before it is recorded on a span.
	MaxEmailFilterLen = 254
)

// User is a record in the demo user store.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateUserRequest is the request body for POST /users.
type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email" validate:"required,email,max=255"`
}

// Validate trims the fields and checks them against the struct tags.
func (r *CreateUserRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	return validateStruct(r)
}

// UpdateUserRequest is the request body for PUT /users/{id}. Absent fields
// are left unchanged.
type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Validate trims the present fields and checks them with the same rules as
// CreateUserRequest.
func (r *UpdateUserRequest) Validate() error {
	verr := &ValidationError{}
	if r.Name != nil {
		name := strings.TrimSpace(*r.Name)
		r.Name = &name
		if err := validateVar(name, "required,max=255"); err != nil {
			verr.add("name", err)
		}
	}
	if r.Email != nil {
		email := strings.TrimSpace(*r.Email)
		r.Email = &email
		if err := validateVar(email, "required,email,max=255"); err != nil {
			verr.add("email", err)
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// Patch returns the store-level update for this request.
func (r UpdateUserRequest) Patch() UserPatch {
	return UserPatch{Name: r.Name, Email: r.Email}
}

// UserPatch is a partial update. Nil fields are left unchanged.
type UserPatch struct {
	Name  *string
	Email *string
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Email == nil
}

// UserFilter narrows ListUsers. Zero values match everything.
type UserFilter struct {
	Email string
}

// ParseEmailFilter sanitizes a raw ?email= query value and validates it as an
// email address. The returned value is safe to record as a span attribute.
func ParseEmailFilter(raw string) (string, error) {
	email := SanitizeAttribute(raw, MaxEmailFilterLen)
	if err := validateVar(email, "required,email"); err != nil {
		verr := &ValidationError{}
		verr.add("email", err)
		return "", verr
	}
	return email, nil
}

// SanitizeAttribute strips control characters, trims surrounding whitespace
// and caps the result at maxLen runes.
func SanitizeAttribute(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}
