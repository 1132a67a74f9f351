package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDBName(t *testing.T) {
	tests := []struct {
		dsn, name, want string
	}{
		{"postgres://u:p@localhost:5432/postgres?sslmode=disable", "smartbus_20231003",
			"postgres://u:p@localhost:5432/smartbus_20231003?sslmode=disable"},
		{"postgresql://localhost/meta", "/ref", "postgresql://localhost/ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithDBName(tt.dsn, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := WithDBName("", "x")
	assert.Error(t, err)
	_, err = WithDBName("mysql://localhost/x", "y")
	assert.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/ref", RedactDSN("postgres://app:hunter2@db:5432/ref"))
	assert.Equal(t, "postgres://db/ref", RedactDSN("postgres://db/ref"))
}

func TestQueriesCoverSheetColumns(t *testing.T) {
	assert.Len(t, busColumns, 17)
	assert.Len(t, scheduleColumns, 8)
	assert.Len(t, stopColumns, 14)

	assert.True(t, strings.HasPrefix(busesQuery, "SELECT COALESCE(no::text, ''), COALESCE(licence_plate::text, '')"))
	assert.True(t, strings.HasSuffix(scheduleQuery, "FROM schedules ORDER BY position, departure"))
	assert.Equal(t, len(stopColumns)-1, strings.Count(strings.SplitN(stopsQuery, " FROM ", 2)[0], ", COALESCE"))
}
