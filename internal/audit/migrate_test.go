package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreReadable(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var sawUp, sawDown bool
	for _, entry := range entries {
		switch entry.Name() {
		case "0001_init.up.sql":
			sawUp = true
		case "0001_init.down.sql":
			sawDown = true
		}
	}
	require.True(t, sawUp, "expected an up migration")
	require.True(t, sawDown, "expected a down migration")
}
