package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jholhewres/tars/pkg/tars/channels"
	"github.com/jholhewres/tars/pkg/tars/channels/discord"
	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/httpapi"
	"github.com/jholhewres/tars/pkg/tars/registry"
	"github.com/jholhewres/tars/pkg/tars/relay"
	"github.com/jholhewres/tars/pkg/tars/supervisor"
)

// chatRelay is a connected Discord session pumping into a relay gateway.
type chatRelay struct {
	gateway *relay.Gateway
	discord *discord.Discord
	cancel  context.CancelFunc
	done    chan struct{}
}

// connectRelay opens a Discord session limited to the bound channels and
// starts routing its messages into a new gateway. The pump runs until Close.
func connectRelay(ctx context.Context, cfg *config.Config, bindings channels.Bindings, logger *slog.Logger) (*chatRelay, error) {
	kinds := map[relay.Kind]string{}
	var allowed []string
	for _, kind := range relay.Kinds {
		if id := bindings[string(kind)]; id != "" {
			kinds[kind] = id
			allowed = append(allowed, id)
		}
	}
	if len(kinds) == 0 {
		return nil, &config.Error{Issues: []string{"discord: no channel bound for the relay"}}
	}

	dc := discord.New(discord.Config{
		Token:           cfg.Discord.Token,
		GuildID:         cfg.Discord.GuildID,
		AllowedChannels: allowed,
		IgnoreBots:      cfg.Discord.IgnoreBots,
	}, logger)
	if err := dc.Connect(ctx); err != nil {
		return nil, err
	}

	gw := relay.NewGateway(dc, kinds, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	r := &chatRelay{gateway: gw, discord: dc, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		gw.Run(runCtx, dc.Receive())
	}()
	logger.Info("relay connected", "bindings", kinds)
	return r, nil
}

func (r *chatRelay) Close() error {
	r.cancel()
	<-r.done
	return r.discord.Disconnect()
}

// instanceRelay is the relay of a `tars serve` instance. It is started by
// the supervisor once the slot is bound and serves the tools to the primary
// child over the loopback listener, together with the control routes.
type instanceRelay struct {
	cfg     *config.Config
	version string
	reg     *registry.Registry
	metrics *prometheus.Registry
	logger  *slog.Logger

	// svc is set once the supervisor exists.
	svc httpapi.Service

	chat *chatRelay
	api  *httpapi.Server
}

func (r *instanceRelay) Start(ctx context.Context, slot int, bindings channels.Bindings) (supervisor.MCPEndpoint, error) {
	logger := r.logger.With("slot", slot)
	chat, err := connectRelay(ctx, r.cfg, bindings, logger)
	if err != nil {
		return supervisor.MCPEndpoint{}, err
	}
	tools := relay.NewTools(chat.gateway, registry.SlotMigrator{Registry: r.reg, Slot: slot})

	httpCfg := r.cfg.HTTP
	httpCfg.Addr = r.cfg.HTTPAddr(slot)
	api, err := httpapi.New(r.svc, httpCfg, r.metrics, logger, httpapi.WithRelay(tools.HTTPHandler(r.version)))
	if err == nil {
		err = api.Start()
	}
	if err != nil {
		_ = chat.Close()
		return supervisor.MCPEndpoint{}, err
	}
	r.chat, r.api = chat, api

	endpoint := supervisor.MCPEndpoint{URL: "http://" + api.Addr() + "/mcp"}
	if token := r.cfg.HTTP.AuthToken; token != "" {
		endpoint.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	return endpoint, nil
}

func (r *instanceRelay) Close() error {
	var errs []error
	if r.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping listener: %w", err))
		}
		cancel()
	}
	if r.chat != nil {
		if err := r.chat.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
