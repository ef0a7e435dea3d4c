package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
	assert.Equal(
		t,
		"SELECT id FROM trips WHERE hash = $1 AND route_id = $2 AND direction_id = $3",
		rebindDollar("SELECT id FROM trips WHERE hash = ? AND route_id = ? AND direction_id = ?"),
	)
}
