package system

import "context"

// Service is a component with background work, such as the commit sweeper.
// Start must return once the work is running; Stop blocks until it has
// drained or ctx expires.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService registers a component that has nothing to run so it still
// shows up in the manager's start order.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                { return n.ServiceName }
func (n NoopService) Start(context.Context) error { return nil }
func (n NoopService) Stop(context.Context) error  { return nil }
