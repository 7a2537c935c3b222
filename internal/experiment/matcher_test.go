package experiment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ab-resolver/internal/model"
)

var now = time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

func running(id, baseline, test string) model.Experiment {
	return model.Experiment{
		ID:          id,
		BaselineURL: baseline,
		TestURL:     test,
		AllocationB: model.Float64(0.5),
		Status:      model.StatusRunning,
	}
}

func TestMatchesSurface(t *testing.T) {
	t.Parallel()

	exp := running("exp1", "https://x.com/lp1", "https://x.com/lp2/")

	tests := []struct {
		url  string
		want bool
	}{
		{"https://x.com/lp1?utm=1", true},
		{"https://x.com/lp1/", true},
		{"https://x.com/lp1#top", true},
		{"https://x.com/lp2", true},
		{"https://x.com/lp2/", true},
		{"http://x.com/lp1", true},
		{"https://X.COM/lp1", true},
		{"https://x.com:8443/lp1", true},
		{"https://y.com/lp1", false},
		{"https://x.com/lp3", false},
		{"https://x.com/lp1//", false},
		{"https://x.com/LP1", false},
		{"https://x.com/", false},
		{"/lp1", false},
		{"not a url", false},
		{"http://[::1", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchesSurface(tt.url, &exp))
		})
	}
}

func TestMatchesSurface_SplitHosts(t *testing.T) {
	t.Parallel()

	exp := running("exp1", "https://a.com/lp1", "https://b.com/lp2")
	assert.True(t, MatchesSurface("https://a.com/lp1", &exp))
	assert.True(t, MatchesSurface("https://b.com/lp2", &exp))
	// Host and path are checked independently against either side.
	assert.True(t, MatchesSurface("https://b.com/lp1", &exp))
	assert.False(t, MatchesSurface("https://c.com/lp1", &exp))
}

func TestFindActive(t *testing.T) {
	t.Parallel()

	tomorrow := now.Add(24 * time.Hour)
	exps := []model.Experiment{
		running("future", "https://x.com/lp1", "https://x.com/lp2"),
		running("paused", "https://x.com/lp1", "https://x.com/lp2"),
		running("live", "https://x.com/lp1", "https://x.com/lp2/"),
		running("later", "https://x.com/lp1", "https://x.com/lp9"),
	}
	exps[0].StartAt = &tomorrow
	exps[1].Status = model.StatusPaused

	got := FindActive("https://x.com/lp1?utm=1", now, exps)
	require.NotNil(t, got)
	assert.Equal(t, "live", got.ID, "first active match in order wins")

	got = FindActive("https://x.com/lp9", now, exps)
	require.NotNil(t, got)
	assert.Equal(t, "later", got.ID)

	assert.Nil(t, FindActive("https://y.com/lp1", now, exps))
	assert.Nil(t, FindActive("::bad::", now, exps))
	assert.Nil(t, FindActive("https://x.com/lp1", now, nil))
}

func TestFindActive_Window(t *testing.T) {
	t.Parallel()

	tomorrow := now.Add(24 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)

	exp := running("exp1", "https://x.com/lp1", "https://x.com/lp2")
	exp.StartAt = &tomorrow
	assert.Nil(t, FindActive("https://x.com/lp1", now, []model.Experiment{exp}), "not started")

	exp.StartAt = &yesterday
	exp.StopAt = &tomorrow
	assert.NotNil(t, FindActive("https://x.com/lp1", now, []model.Experiment{exp}))

	exp.StartAt, exp.StopAt = nil, nil
	exp.Status = model.StatusPaused
	assert.Nil(t, FindActive("https://x.com/lp1", now, []model.Experiment{exp}), "paused is never active")
}

func TestFindActive_DoesNotMutate(t *testing.T) {
	t.Parallel()

	exps := []model.Experiment{running("exp1", "https://x.com/lp1", "https://x.com/lp2")}
	before := exps[0]
	FindActive("https://x.com/lp1", now, exps)
	assert.Equal(t, before, exps[0])
}
