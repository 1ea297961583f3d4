// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmatesearch wires a search provider or a search client to a
// RabbitMQ broker.
package mmatesearch

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-search/bridge"
	"github.com/glimte/mmate-search/engine"
	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/provider"
)

// NewProvider creates a stopped search provider serving eng from the broker
// at url. Call Start to begin consuming.
func NewProvider(url string, eng engine.Engine, options ...Option) (*provider.Provider, error) {
	cfg := newConfig("mmate-search-provider", options)

	manager := rabbitmq.NewConnectionManager(url, cfg.connectionOptions()...)
	opts := append([]provider.Option{provider.WithLogger(cfg.logger)}, cfg.providerOptions...)
	return provider.New(manager, eng, cfg.identities, opts...)
}

// NewClient creates a search client for the broker at url. Call Start before
// the first search.
func NewClient(url string, options ...Option) (*bridge.Client, error) {
	cfg := newConfig("mmate-search-client", options)

	manager := rabbitmq.NewConnectionManager(url, cfg.connectionOptions()...)
	opts := append([]bridge.Option{bridge.WithLogger(cfg.logger)}, cfg.clientOptions...)
	return bridge.New(manager, opts...)
}

type config struct {
	logger          *slog.Logger
	connectionName  string
	reconnectDelay  time.Duration
	dialTimeout     time.Duration
	identities      engine.IdentityLookup
	providerOptions []provider.Option
	clientOptions   []bridge.Option
	extra           []rabbitmq.ConnectionOption
}

func newConfig(name string, options []Option) *config {
	cfg := &config{logger: slog.Default(), connectionName: name}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func (c *config) connectionOptions() []rabbitmq.ConnectionOption {
	opts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithConnectionName(c.connectionName),
	}
	if c.reconnectDelay > 0 {
		opts = append(opts, rabbitmq.WithReconnectDelay(c.reconnectDelay))
	}
	if c.dialTimeout > 0 {
		opts = append(opts, rabbitmq.WithDialTimeout(c.dialTimeout))
	}
	return append(opts, c.extra...)
}

// Option configures NewProvider and NewClient
type Option func(*config)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithConnectionName sets the name shown for the connection in the broker
func WithConnectionName(name string) Option {
	return func(c *config) {
		c.connectionName = name
	}
}

// WithReconnectDelay sets the initial delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *config) {
		c.reconnectDelay = delay
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = timeout
	}
}

// WithIdentities sets how a provider resolves requester ids
func WithIdentities(identities engine.IdentityLookup) Option {
	return func(c *config) {
		c.identities = identities
	}
}

// WithProviderOptions passes options through to provider.New
func WithProviderOptions(options ...provider.Option) Option {
	return func(c *config) {
		c.providerOptions = append(c.providerOptions, options...)
	}
}

// WithClientOptions passes options through to bridge.New
func WithClientOptions(options ...bridge.Option) Option {
	return func(c *config) {
		c.clientOptions = append(c.clientOptions, options...)
	}
}
