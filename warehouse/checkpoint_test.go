package warehouse

import (
	"testing"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

func TestWindowStart(t *testing.T) {
	cm := NewCheckpointManager(nil, logging.NewComponentLogger("test", "0"), 4*time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no checkpoint defaults to now minus interval", func(t *testing.T) {
		got := cm.WindowStart(nil, now)
		want := now.Add(-4 * time.Hour)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("stored checkpoint is the lower bound", func(t *testing.T) {
		last := time.Date(2024, 5, 31, 23, 45, 0, 0, time.UTC)
		if got := cm.WindowStart(&last, now); !got.Equal(last) {
			t.Errorf("got %v, want %v", got, last)
		}
	})
}

func TestCheckpointDefaultWindow(t *testing.T) {
	// Zero interval falls back to the 4-hour default.
	cm := NewCheckpointManager(nil, logging.NewComponentLogger("test", "0"), 0)
	now := time.Now().UTC()
	if got := cm.WindowStart(nil, now); !got.Equal(now.Add(-4 * time.Hour)) {
		t.Errorf("default window wrong: %v", got)
	}
}
