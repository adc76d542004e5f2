package huggingface

import (
	"log/slog"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// Workers import this package for its side effect of registering the
// HuggingFace providers.
func init() {
	providers.Register(providers.TaskModeration, PlatformName, func() (any, error) {
		return NewModerationProvider(config.LoadProvider("HF_MODERATION_API_URL"), slog.Default()), nil
	})
	providers.Register(providers.TaskTagging, PlatformName, func() (any, error) {
		return NewTaggerProvider(config.LoadProvider("HF_TAGGER_API_URL"), slog.Default()), nil
	})
	providers.Register(providers.TaskScene, PlatformName, func() (any, error) {
		return NewSceneProvider(config.LoadProvider("HF_SCENE_API_URL"), slog.Default()), nil
	})
	providers.Register(providers.TaskCaptioning, PlatformName, func() (any, error) {
		return NewCaptioningProvider(config.LoadProvider("HF_CAPTIONING_API_URL"), slog.Default()), nil
	})
	providers.Register(providers.TaskFace, PlatformName, func() (any, error) {
		return NewFaceProvider(config.LoadProvider("HF_FACE_API_URL"), slog.Default()), nil
	})
}
