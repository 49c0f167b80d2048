package intake

import (
	"path/filepath"
	"strings"
	"testing"

	"fleetgate/internal/db"
	"fleetgate/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntake(t *testing.T) *Intake {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=10000"
	d, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	return New(registry.NewStore(d))
}

func TestSubmitSuccess(t *testing.T) {
	in := testIntake(t)

	dev, rej := in.Submit("  Laptop1 ", " SN-100 ", "Linux", "Firefox", "10.0.0.1")
	require.Nil(t, rej)
	assert.Equal(t, "Laptop1", dev.Name)
	assert.Equal(t, "SN-100", dev.Serial())
	assert.False(t, dev.IsAuthorized)
}

// Порядок проверок фиксирован: первая ошибка выигрывает.
func TestSubmitValidationOrder(t *testing.T) {
	in := testIntake(t)
	long := strings.Repeat("x", 101)
	longMeta := strings.Repeat("x", 51)

	cases := []struct {
		name                              string
		devName, serial, osName, browser  string
		wantMsg                           string
	}{
		{"missing name wins over missing serial", "", "", "", "", "Device name is required"},
		{"missing serial", "ok", "", "", "", "Serial number is required"},
		{"name length before serial length", long, long, "", "", "Device name is too long"},
		{"serial length", "ok", long, "", "", "Serial number is too long"},
		{"os length", "ok", "SN-1", longMeta, "", "OS name is too long"},
		{"browser length", "ok", "SN-1", "Linux", longMeta, "Browser name is too long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rej := in.Submit(tc.devName, tc.serial, tc.osName, tc.browser, "")
			require.NotNil(t, rej)
			assert.Equal(t, ValidationFailed, rej.Kind)
			assert.Equal(t, tc.wantMsg, rej.Message)
		})
	}
}

func TestSubmitCountsCharactersNotBytes(t *testing.T) {
	in := testIntake(t)

	// 60 кириллических символов — 120 байт, лимит считается в символах
	name := strings.Repeat("П", 60)
	dev, rej := in.Submit(name, "SN-1", "", "", "")
	require.Nil(t, rej)
	assert.Equal(t, name, dev.Name)

	_, rej = in.Submit(strings.Repeat("П", 101), "SN-2", "", "", "")
	require.NotNil(t, rej)
	assert.Equal(t, "Device name is too long", rej.Message)
}

func TestSubmitDuplicateSerial(t *testing.T) {
	in := testIntake(t)

	_, rej := in.Submit("Laptop1", "SN-100", "", "", "")
	require.Nil(t, rej)

	_, rej = in.Submit("Laptop2", "SN-100", "", "", "")
	require.NotNil(t, rej)
	assert.Equal(t, DuplicateSerial, rej.Kind)
	assert.Equal(t, "Serial number is already registered", rej.Message)
}
