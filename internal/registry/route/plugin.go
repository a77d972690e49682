package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// Plugin represents a route plugin with an order for deterministic mount
// sequence.
type Plugin struct {
	Order  int
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Loaders returns all registered loaders, sorted by order.
func Loaders() []RouterLoader {
	sortOnce.Do(func() {
		sort.Slice(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	})
	loaders := make([]RouterLoader, 0, len(plugins))
	for _, p := range plugins {
		loaders = append(loaders, p.Loader)
	}
	return loaders
}
