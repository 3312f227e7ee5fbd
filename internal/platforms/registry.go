package platforms

import (
	"net/http"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Registry maps a platform to its adapter.
type Registry struct {
	adapters map[models.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Platform()] = a
		}
	}
	return r
}

// NewDefaultRegistry builds all six adapters around one shared client. Base URLs can be
// overridden with PLATFORM_<NAME>_BASE_URL, rate limits with PLATFORM_<NAME>_RPS/_BURST.
func NewDefaultRegistry(client *http.Client, getenv func(string) string) *Registry {
	opts := func(p models.Platform) Options {
		o := Options{Client: client, Limiter: NewLimiter(getenv, p)}
		if getenv != nil {
			o.BaseURL = strings.TrimSpace(getenv(envPrefix(p) + "BASE_URL"))
		}
		return o
	}
	return NewRegistry(
		NewTwitter(opts(models.PlatformTwitter)),
		NewFacebook(opts(models.PlatformFacebook)),
		NewInstagram(opts(models.PlatformInstagram)),
		NewYouTube(opts(models.PlatformYouTube)),
		NewTikTok(opts(models.PlatformTikTok)),
		NewLinkedIn(opts(models.PlatformLinkedIn)),
	)
}

func (r *Registry) Get(p models.Platform) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists registered platforms in canonical order.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(models.AllPlatforms))
	for _, p := range models.AllPlatforms {
		if _, ok := r.Get(p); ok {
			out = append(out, p)
		}
	}
	return out
}
