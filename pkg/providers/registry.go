package providers

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Factory builds a provider instance for one (task, platform) pair.
// Factories run lazily on first Get and may fail on bad configuration.
type Factory func() (any, error)

type registryKey struct {
	task     string
	platform string
}

var (
	registryMu sync.Mutex
	factories  = map[registryKey]Factory{}
	instances  = map[registryKey]any{}
)

// Register makes a factory available under (task, platform). Platform
// packages call this from init; later registrations replace earlier ones.
func Register(task, platform string, f Factory) {
	k := registryKey{strings.ToLower(task), strings.ToLower(platform)}
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[k] = f
}

// ResolvePlatform applies the platform lookup order: the explicit argument,
// the {TASK}_PLATFORM environment variable, AI_PLATFORM, then "huggingface".
func ResolvePlatform(task, explicit string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	if p := os.Getenv(strings.ToUpper(task) + "_PLATFORM"); p != "" {
		return strings.ToLower(p)
	}
	if p := os.Getenv("AI_PLATFORM"); p != "" {
		return strings.ToLower(p)
	}
	return "huggingface"
}

// Get returns the provider instance for (task, platform), creating and
// caching it on first use. An empty platform is resolved per
// ResolvePlatform.
func Get(task, platform string) (any, error) {
	platform = ResolvePlatform(task, platform)
	k := registryKey{strings.ToLower(task), platform}

	registryMu.Lock()
	defer registryMu.Unlock()

	if inst, ok := instances[k]; ok {
		return inst, nil
	}
	factory, ok := factories[k]
	if !ok {
		return nil, fmt.Errorf("no provider registered for task=%q platform=%q (registered: %s)",
			task, platform, strings.Join(registeredLocked(), ", "))
	}
	inst, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s provider: %w", task, platform, err)
	}
	instances[k] = inst
	slog.Info("Created provider", "task", task, "platform", platform)
	return inst, nil
}

// ClearCache drops cached instances so the next Get rebuilds them. Tests
// use it between cases.
func ClearCache() {
	registryMu.Lock()
	defer registryMu.Unlock()
	instances = map[registryKey]any{}
}

// registeredLocked lists "task:platform" keys; callers hold registryMu.
func registeredLocked() []string {
	keys := make([]string, 0, len(factories))
	for k := range factories {
		keys = append(keys, k.task+":"+k.platform)
	}
	sort.Strings(keys)
	return keys
}

// Moderation resolves the moderation provider for platform ("" = default).
func Moderation(platform string) (ModerationProvider, error) {
	inst, err := Get(TaskModeration, platform)
	if err != nil {
		return nil, err
	}
	p, ok := inst.(ModerationProvider)
	if !ok {
		return nil, fmt.Errorf("%s provider %T does not implement ModerationProvider", TaskModeration, inst)
	}
	return p, nil
}

// Tagging resolves the tagging provider for platform ("" = default).
func Tagging(platform string) (TaggingProvider, error) {
	inst, err := Get(TaskTagging, platform)
	if err != nil {
		return nil, err
	}
	p, ok := inst.(TaggingProvider)
	if !ok {
		return nil, fmt.Errorf("%s provider %T does not implement TaggingProvider", TaskTagging, inst)
	}
	return p, nil
}

// Scene resolves the scene-recognition provider for platform ("" = default).
func Scene(platform string) (SceneProvider, error) {
	inst, err := Get(TaskScene, platform)
	if err != nil {
		return nil, err
	}
	p, ok := inst.(SceneProvider)
	if !ok {
		return nil, fmt.Errorf("%s provider %T does not implement SceneProvider", TaskScene, inst)
	}
	return p, nil
}

// Captioning resolves the captioning provider for platform ("" = default).
func Captioning(platform string) (CaptioningProvider, error) {
	inst, err := Get(TaskCaptioning, platform)
	if err != nil {
		return nil, err
	}
	p, ok := inst.(CaptioningProvider)
	if !ok {
		return nil, fmt.Errorf("%s provider %T does not implement CaptioningProvider", TaskCaptioning, inst)
	}
	return p, nil
}

// FaceDetection resolves the face-detection provider for platform
// ("" = default).
func FaceDetection(platform string) (FaceProvider, error) {
	inst, err := Get(TaskFace, platform)
	if err != nil {
		return nil, err
	}
	p, ok := inst.(FaceProvider)
	if !ok {
		return nil, fmt.Errorf("%s provider %T does not implement FaceProvider", TaskFace, inst)
	}
	return p, nil
}
