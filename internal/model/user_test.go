package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserRequestValidate(t *testing.T) {
	req := CreateUserRequest{Name: "  Ada ", Email: " ada@example.com"}
	require.NoError(t, req.Validate())
	assert.Equal(t, "Ada", req.Name)
	assert.Equal(t, "ada@example.com", req.Email)

	tests := []struct {
		name string
		req  CreateUserRequest
		want string
	}{
		{"missing name", CreateUserRequest{Email: "a@x.com"}, "name is required"},
		{"blank name", CreateUserRequest{Name: "   ", Email: "a@x.com"}, "name is required"},
		{"bad email", CreateUserRequest{Name: "A", Email: "nope"}, "email must be a valid email"},
		{"long name", CreateUserRequest{Name: strings.Repeat("x", 256), Email: "a@x.com"}, "name must be at most 255 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Contains(t, verr.Error(), tt.want)
		})
	}
}

func TestUpdateUserRequestValidate(t *testing.T) {
	empty := UpdateUserRequest{}
	require.NoError(t, empty.Validate())
	assert.True(t, empty.Patch().Empty())

	name := " Grace "
	req := UpdateUserRequest{Name: &name}
	require.NoError(t, req.Validate())
	assert.Equal(t, "Grace", *req.Patch().Name)
	assert.Nil(t, req.Patch().Email)

	blank, bad := "", "not-an-email"
	err := (&UpdateUserRequest{Name: &blank, Email: &bad}).Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"name is required", "email must be a valid email"}, verr.Problems)
}

func TestParseEmailFilter(t *testing.T) {
	got, err := ParseEmailFilter("  a@x.com\r\n")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got)

	got, err = ParseEmailFilter("a@x.com\x00")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got)

	_, err = ParseEmailFilter("a@x.com\ninjected=1")
	assert.Error(t, err)

	_, err = ParseEmailFilter("")
	assert.Error(t, err)
}

func TestSanitizeAttribute(t *testing.T) {
	assert.Equal(t, "abc", SanitizeAttribute("\ta\x1bbc\n", 10))
	assert.Equal(t, "héll", SanitizeAttribute("héllo", 4))
	assert.Len(t, []rune(SanitizeAttribute(strings.Repeat("é", 300), MaxEmailFilterLen)), MaxEmailFilterLen)
}
