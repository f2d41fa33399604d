// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// Service names registered by the application.
const (
	Anchors  = "anchors"
	Sessions = "sessions"
	Game     = "game"
	Hub      = "hub"
	Metrics  = "metrics"
)

// Container 是一个简单的依赖注入容器
type Container struct {
	services map[string]any
	mutex    sync.RWMutex
}

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]any),
	}
}

// Register 在容器中注册一个服务实例
func (c *Container) Register(name string, service any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) any {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.services[name]
	return exists
}

// Require reports the first missing name.
func (c *Container) Require(names ...string) error {
	for _, name := range names {
		if !c.Has(name) {
			return fmt.Errorf("关键服务未注册: %s", name)
		}
	}
	return nil
}

// Names 获取所有已注册服务的名称（已排序）
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup fetches a service and asserts its type.
func Lookup[T any](c *Container, name string) (T, error) {
	v, ok := c.Get(name).(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("服务 %s 未正确初始化", name)
	}
	return v, nil
}
