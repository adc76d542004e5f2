package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModeration struct{}

func (stubModeration) Analyze(ctx context.Context, image []byte) (*ModerationResult, error) {
	return &ModerationResult{IsSafe: true, TopLabel: "safe"}, nil
}

func TestRegisterAndGet(t *testing.T) {
	t.Cleanup(ClearCache)
	Register(TaskModeration, "stub", func() (any, error) {
		return stubModeration{}, nil
	})

	p, err := Moderation("stub")
	require.NoError(t, err)

	res, err := p.Analyze(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.True(t, res.IsSafe)
}

func TestGetCachesInstances(t *testing.T) {
	t.Cleanup(ClearCache)
	var built int
	Register(TaskModeration, "counting", func() (any, error) {
		built++
		return stubModeration{}, nil
	})

	for i := 0; i < 3; i++ {
		_, err := Get(TaskModeration, "counting")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, built, "factory must run once per (task, platform)")
}

func TestGetUnknownListsRegistered(t *testing.T) {
	t.Cleanup(ClearCache)
	Register(TaskModeration, "stub", func() (any, error) {
		return stubModeration{}, nil
	})

	_, err := Get(TaskTagging, "nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moderation:stub")
	assert.Contains(t, err.Error(), `task="tagging"`)
}

func TestFactoryErrorPropagates(t *testing.T) {
	t.Cleanup(ClearCache)
	boom := errors.New("missing endpoint")
	Register(TaskCaptioning, "broken", func() (any, error) {
		return nil, boom
	})

	_, err := Get(TaskCaptioning, "broken")
	require.ErrorIs(t, err, boom)
}

func TestResolvePlatformOrder(t *testing.T) {
	assert.Equal(t, "custom", ResolvePlatform(TaskScene, "Custom"))

	t.Setenv("SCENE_PLATFORM", "scenely")
	t.Setenv("AI_PLATFORM", "generic")
	assert.Equal(t, "scenely", ResolvePlatform(TaskScene, ""))

	t.Setenv("SCENE_PLATFORM", "")
	assert.Equal(t, "generic", ResolvePlatform(TaskScene, ""))

	t.Setenv("AI_PLATFORM", "")
	assert.Equal(t, "huggingface", ResolvePlatform(TaskScene, ""))
}

func TestTypedGetterRejectsWrongContract(t *testing.T) {
	t.Cleanup(ClearCache)
	Register(TaskTagging, "wrong", func() (any, error) {
		return stubModeration{}, nil
	})

	_, err := Tagging("wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not implement TaggingProvider")
}
