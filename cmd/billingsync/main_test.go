package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"sync"}, {"catalog", "import"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestSyncFlags(t *testing.T) {
	t.Parallel()
	cmd := newSyncCmd()
	user := uuid.New()
	require.NoError(t, cmd.ParseFlags([]string{
		"--days-left", "3", "--stale-after", "12h", "--user", user.String(), "--limit", "50", "--include-terminal",
	}))

	days, _ := cmd.Flags().GetInt("days-left")
	assert.Equal(t, 3, days)

	w, err := syncFlags{users: []string{user.String()}}.build()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user}, w.UserIDs)
}

func TestSyncFlags_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    syncFlags
	}{
		{"bad user", syncFlags{users: []string{"nope"}}},
		{"inverted window", func() syncFlags {
			var f syncFlags
			f.window.DayStart, f.window.DayEnd = 5, 1
			return f
		}()},
		{"negative stale", func() syncFlags {
			var f syncFlags
			f.window.StaleAfter = -time.Hour
			return f
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.f.build()
			assert.Error(t, err)
		})
	}
}
