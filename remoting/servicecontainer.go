package remoting

import (
	"sync"
)

// ServiceContainer is the single "well-known services" hook: a small table
// of singleton services addressable by their wire type name, handed to the
// bootstrap through ClientConfig/ServerConfig.Services. Nothing in this
// package clears it when a connection ends; registrations stay until Clear
// is called. No auto-registration or discovery is implemented beyond this
// one lookup path.
type ServiceContainer struct {
	mu       sync.RWMutex
	services map[string]interface{}
}

// NewServiceContainer creates an empty container.
func NewServiceContainer() *ServiceContainer {
	return &ServiceContainer{services: map[string]interface{}{}}
}

// Register installs svc as the well-known instance for typeFullName.
// Re-registering the same name replaces the previous instance.
func (c *ServiceContainer) Register(typeFullName string, svc interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[typeFullName] = svc
}

// Lookup resolves a well-known service by its wire type name, as driven by an
// incoming RequestServiceReference request (Function enum, spec §4.4).
func (c *ServiceContainer) Lookup(typeFullName string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[typeFullName]
	return svc, ok
}

// Clear drops all registered services. The bootstrap does not call it.
func (c *ServiceContainer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = map[string]interface{}{}
}
