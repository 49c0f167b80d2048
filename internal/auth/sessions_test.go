package auth

import (
	"testing"
	"time"

	"fleetgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	d := testDB(t)
	admin := models.Admin{Username: "admin", Password: "$hash"}
	require.NoError(t, d.Create(&admin).Error)

	s := NewSessions(d, time.Hour)
	tok := s.Issue(admin.ID, admin.Username)
	require.NotEmpty(t, tok)

	id, ok := s.Authenticate(tok)
	require.True(t, ok)
	assert.Equal(t, admin.ID, id.AdminID)
	assert.Equal(t, "admin", id.Username)

	s.Revoke(tok)
	_, ok = s.Authenticate(tok)
	assert.False(t, ok)

	// повторный revoke безвреден
	s.Revoke(tok)
}

func TestSessionTokensAreOpaqueAndUnique(t *testing.T) {
	d := testDB(t)
	admin := models.Admin{Username: "admin", Password: "$hash"}
	require.NoError(t, d.Create(&admin).Error)

	s := NewSessions(d, time.Hour)
	t1 := s.Issue(admin.ID, admin.Username)
	t2 := s.Issue(admin.ID, admin.Username)
	assert.NotEqual(t, t1, t2)
	assert.Len(t, t1, 64)

	_, ok := s.Authenticate("")
	assert.False(t, ok)
	_, ok = s.Authenticate("forged-token")
	assert.False(t, ok)
}

func TestSessionAbsoluteExpiry(t *testing.T) {
	d := testDB(t)
	admin := models.Admin{Username: "admin", Password: "$hash"}
	require.NoError(t, d.Create(&admin).Error)

	s := NewSessions(d, 10*time.Millisecond)
	tok := s.Issue(admin.ID, admin.Username)

	_, ok := s.Authenticate(tok)
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = s.Authenticate(tok)
	assert.False(t, ok)
}

func TestSessionInvalidatedWhenAdminDeleted(t *testing.T) {
	d := testDB(t)
	admin := models.Admin{Username: "admin", Password: "$hash"}
	require.NoError(t, d.Create(&admin).Error)

	s := NewSessions(d, time.Hour)
	tok := s.Issue(admin.ID, admin.Username)

	require.NoError(t, d.Delete(&models.Admin{}, admin.ID).Error)

	// сессия не истекла, но админа больше нет
	_, ok := s.Authenticate(tok)
	assert.False(t, ok)
}

func TestSessionInvalidatedWhenAdminRenamed(t *testing.T) {
	d := testDB(t)
	admin := models.Admin{Username: "admin", Password: "$hash"}
	require.NoError(t, d.Create(&admin).Error)

	s := NewSessions(d, time.Hour)
	tok := s.Issue(admin.ID, admin.Username)

	require.NoError(t, d.Model(&models.Admin{}).Where("id = ?", admin.ID).Update("username", "renamed").Error)

	_, ok := s.Authenticate(tok)
	assert.False(t, ok)
}
