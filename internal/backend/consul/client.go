// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package consul

import (
	"errors"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/opentofu/statestore/internal/logging"
)

// Config is the configuration of a Consul store. Unset connection settings
// fall back to the CONSUL_* environment variables the Consul client reads.
type Config struct {
	// Path is the KV prefix below which namespaces are kept.
	Path string `hcl:"path,optional"`

	Address     string `hcl:"address,optional"`
	Scheme      string `hcl:"scheme,optional"`
	Datacenter  string `hcl:"datacenter,optional"`
	AccessToken string `hcl:"access_token,optional"`
	HTTPAuth    string `hcl:"http_auth,optional"`
	CAFile      string `hcl:"ca_file,optional"`
	CertFile    string `hcl:"cert_file,optional"`
	KeyFile     string `hcl:"key_file,optional"`

	// BatchSize is capped at the 64 operations a transaction allows.
	BatchSize int `hcl:"batch_size,optional"`
}

const defaultPath = "statestore"

// New returns a store for the configured agent.
func New(cfg Config) (*Store, error) {
	config := consulapi.DefaultConfigWithLogger(logging.NewLogger("consul"))
	config.Transport = cleanhttp.DefaultPooledTransport()

	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		config.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		config.Datacenter = cfg.Datacenter
	}
	if cfg.AccessToken != "" {
		config.Token = cfg.AccessToken
	}
	if cfg.CAFile != "" {
		config.TLSConfig.CAFile = cfg.CAFile
	}
	if cfg.CertFile != "" {
		config.TLSConfig.CertFile = cfg.CertFile
	}
	if cfg.KeyFile != "" {
		config.TLSConfig.KeyFile = cfg.KeyFile
	}
	if cfg.HTTPAuth != "" {
		username, password, _ := strings.Cut(cfg.HTTPAuth, ":")
		if username == "" {
			return nil, errors.New("http_auth must be \"username\" or \"username:password\"")
		}
		config.HttpAuth = &consulapi.HttpBasicAuth{
			Username: username,
			Password: password,
		}
	}

	client, err := consulapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating Consul client: %w", err)
	}

	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		path = defaultPath
	}
	return newStore(client.KV(), client.Txn(), client.Status(), path, cfg.BatchSize), nil
}
