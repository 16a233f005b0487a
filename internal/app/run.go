// Package app contains the top-level orchestration for server and client roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/memsocket/internal/adapter"
	"github.com/1ureka/memsocket/internal/config"
	"github.com/1ureka/memsocket/internal/shm"
	"github.com/1ureka/memsocket/internal/util"
)

// Opener opens the device handle serving one instance.
type Opener func(instance int) (shm.Transport, error)

// DeviceOpener opens the ivshmem driver at path once per instance.
func DeviceOpener(path string) Opener {
	return func(instance int) (shm.Transport, error) {
		return shm.OpenDevice(path, instance)
	}
}

// RunServer serves the single instance selected by cfg.Instance until ctx
// is cancelled or the instance fails.
func RunServer(ctx context.Context, cfg config.Config, open Opener) error {
	in, err := newInstance(cfg, cfg.Instance, open)
	if err != nil {
		return err
	}
	util.LogSuccess("server instance %d ready, forwarding %s", cfg.Instance, cfg.SocketPath)
	if err := in.Run(ctx); !shutdown(ctx, err) {
		return err
	}
	return nil
}

// RunClient serves every instance concurrently. A failing instance is
// logged and leaves its siblings running; the failures are returned
// together once all instances have stopped.
func RunClient(ctx context.Context, cfg config.Config, open Opener) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, cfg.VMCount)
	)
	for i := range cfg.VMCount {
		in, err := newInstance(cfg, i, open)
		if err != nil {
			util.LogError("%v", err)
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := in.Run(ctx); !shutdown(ctx, err) {
				util.LogError("%v", err)
				errs[i] = err
			}
		}()
	}
	util.LogSuccess("client ready, dialing %s for %d instances", cfg.SocketPath, cfg.VMCount)

	wg.Wait()
	return errors.Join(errs...)
}

func newInstance(cfg config.Config, index int, open Opener) (*adapter.Instance, error) {
	dev, err := open(index)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", index, err)
	}
	return adapter.NewInstance(cfg, index, dev)
}

// shutdown reports whether err is the normal result of cancelling ctx.
func shutdown(ctx context.Context, err error) bool {
	return err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
}
