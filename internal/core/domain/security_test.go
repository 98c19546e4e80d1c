package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecurityContext(t *testing.T) {
	t.Parallel()

	sc, err := NewSecurityContext(" t1 ", "u1", " Analyst ", "")
	require.NoError(t, err)

	assert.Equal(t, "t1", sc.TenantID())
	assert.Equal(t, "u1", sc.UserID())
	assert.Equal(t, RoleAnalyst, sc.Role())
	assert.Equal(t, DefaultRegion, sc.Region())
	assert.False(t, sc.IsZero())
}

func TestNewSecurityContext_KeepsRegion(t *testing.T) {
	t.Parallel()

	sc, err := NewSecurityContext("t1", "u1", "viewer", "EU")
	require.NoError(t, err)
	assert.Equal(t, "EU", sc.Region())
}

func TestNewSecurityContext_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tenant  string
		user    string
		role    string
		wantErr error
	}{
		{"no tenant", "", "u1", "admin", ErrMissingTenant},
		{"blank tenant", "   ", "u1", "admin", ErrMissingTenant},
		{"no user", "t1", "", "admin", ErrMissingUser},
		{"no role", "t1", "u1", "", ErrMissingRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := NewSecurityContext(tt.tenant, tt.user, tt.role, "")
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, sc.IsZero())
		})
	}
}
