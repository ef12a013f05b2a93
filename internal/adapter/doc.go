/*
Package adapter wires the driveftp components together and owns their
lifecycle.

# Architecture Role

	┌─────────────────────────────────────────────┐
	│      Sessions (vfs.View)  /  FUSE mount     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              ADAPTER LAYER                  │ ← This Package
	└─────────────────────────────────────────────┘
	        │            │            │
	┌───────┴────┐ ┌─────┴─────┐ ┌────┴──────┐
	│ Controller │ │  Syncer   │ │  Metrics  │
	└────────────┘ └───────────┘ └───────────┘
	        │            │
	┌───────┴────────────┴──────┐
	│ cache.Store  remote.Client │
	└────────────────────────────┘
	                      │
	         gdrive / s3 / memory gateway

New builds, in order: logger, metrics collector, cache, gateway (wrapped in
remote.Client for throttling, retries and the circuit breaker), sync engine,
controller and the optional FUSE mount. Each component is created exactly
once and injected into the components that depend on it.

Start runs one synchronization cycle, then starts the periodic sync loop,
the metrics server and the mount. Stop reverses that order and closes the
cache.

Sessions are cheap: NewSession returns a vfs.View with its own working
directory over the shared controller.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("driveftp.yaml"); err != nil {
		return err
	}
	a, err := adapter.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	session := a.NewSession()
	dir, err := session.Resolve(ctx, "/reports")
*/
package adapter
