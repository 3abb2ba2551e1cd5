package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/enginebridge/pkg/bridge/client"
	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/host"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// controller is a started client plus whatever it needs released on exit.
type controller struct {
	client *client.Client
	engine *config.EngineSpec
	rt     *bridgeRuntime
}

type controllerOptions struct {
	spawn     bool
	version   string
	onMessage func(protocol.Message)
	logger    *telemetry.Logger
}

// startController starts a bridge, in this process or as a spawned worker,
// and waits for it to report ready.
func startController(ctx context.Context, cfg *config.Config, opts controllerOptions) (*controller, error) {
	ctl := &controller{}

	var transport client.Transport
	if opts.spawn {
		spec, err := cfg.Engine.Resolve()
		if err != nil {
			return nil, err
		}
		ctl.engine = spec

		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		transport = &client.ProcessTransport{Path: exe, Args: workerArgs()}
	} else {
		rt, err := newBridgeRuntime(ctx, cfg, false)
		if err != nil {
			return nil, err
		}
		ctl.rt = rt
		ctl.engine = rt.engine
		transport = &client.PipeTransport{Options: rt.options(opts.version)}
	}

	c, err := client.NewClient(client.Config{
		Transport: transport,
		Logger:    opts.logger,
		OnMessage: opts.onMessage,
	})
	if err != nil {
		_ = ctl.close(ctx)
		return nil, err
	}
	ctl.client = c

	if err := c.Start(ctx); err != nil {
		_ = ctl.close(ctx)
		return nil, err
	}
	return ctl, nil
}

// workerArgs forwards the global flags to a spawned worker.
func workerArgs() []string {
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if engineKind != "" {
		args = append(args, "--engine", engineKind)
	}
	if modulePath != "" {
		args = append(args, "--module", modulePath)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

// precache loads each resource in order and stops at the first failure.
func (ctl *controller) precache(ctx context.Context, resources []host.ManifestResource) error {
	for _, res := range resources {
		if _, err := ctl.client.Precache(ctx, res.Name, res.URL); err != nil {
			return fmt.Errorf("precache %s: %w", res.Name, err)
		}
	}
	return nil
}

func (ctl *controller) close(ctx context.Context) error {
	var err error
	if ctl.client != nil {
		err = ctl.client.Close(ctx)
	}
	if ctl.rt != nil {
		err = errors.Join(err, ctl.rt.Close(ctx))
	}
	return err
}

// parseResources parses name=url pairs.
func parseResources(values []string) ([]host.ManifestResource, error) {
	out := make([]host.ManifestResource, 0, len(values))
	for _, v := range values {
		name, url, ok := strings.Cut(v, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid resource %q, expected name=url", v)
		}
		out = append(out, host.ManifestResource{Name: name, URL: url})
	}
	return out, nil
}

// mergeResources appends extra to base, replacing entries with the same name.
func mergeResources(base []host.ManifestResource, extra ...[]host.ManifestResource) []host.ManifestResource {
	out := append([]host.ManifestResource(nil), base...)
	index := make(map[string]int, len(out))
	for i, r := range out {
		index[r.Name] = i
	}
	for _, list := range extra {
		for _, r := range list {
			if i, ok := index[r.Name]; ok {
				out[i] = r
				continue
			}
			index[r.Name] = len(out)
			out = append(out, r)
		}
	}
	return out
}
