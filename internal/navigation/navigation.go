// Package navigation routes keyboard input to terminal views through an
// explicit capability interface instead of views reaching into each
// other's internals.
package navigation

import (
	"log/slog"
	"sync"
)

// View is a keyboard-capable terminal view. CanHandleKey cheaply tests
// interest; HandleKey performs the action.
type View interface {
	CanHandleKey(key string) bool
	HandleKey(key string)
}

// Controller owns the view registry and the active-view pointer.
type Controller struct {
	mu     sync.RWMutex
	views  map[string]View
	active string
	logger *slog.Logger
}

// NewController creates an empty controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		views:  make(map[string]View),
		logger: logger,
	}
}

// Register adds a view under a name. Re-registering replaces.
func (c *Controller) Register(name string, v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[name] = v
	if c.active == "" {
		c.active = name
	}
}

// Activate makes a view the key target. Unknown names are ignored.
func (c *Controller) Activate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.views[name]; ok {
		c.active = name
	}
}

// Active returns the current key target's name.
func (c *Controller) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Dispatch offers a key to the active view, falling back to any other
// registered view that claims it. Returns true when some view took it.
func (c *Controller) Dispatch(key string) bool {
	c.mu.RLock()
	active := c.views[c.active]
	others := make([]View, 0, len(c.views))
	for name, v := range c.views {
		if name != c.active {
			others = append(others, v)
		}
	}
	c.mu.RUnlock()

	if active != nil && active.CanHandleKey(key) {
		active.HandleKey(key)
		return true
	}
	for _, v := range others {
		if v.CanHandleKey(key) {
			v.HandleKey(key)
			return true
		}
	}
	c.logger.Debug("unhandled key", "key", key)
	return false
}
