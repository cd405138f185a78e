// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package kubernetes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	defaultNamespace    = "default"
	defaultSecretPrefix = "statestore"
	userAgent           = "statectl"
)

// Config is the configuration of a Kubernetes store.
type Config struct {
	// Namespace is the Kubernetes namespace that holds the secrets. It is
	// unrelated to the namespaces of the records.
	Namespace string `hcl:"namespace,optional"`

	SecretPrefix string            `hcl:"secret_prefix,optional"`
	Labels       map[string]string `hcl:"labels,optional"`

	InClusterConfig bool   `hcl:"in_cluster_config,optional"`
	ConfigPath      string `hcl:"config_path,optional"`
	ConfigContext   string `hcl:"config_context,optional"`

	BatchSize int `hcl:"batch_size,optional"`
}

func (c Config) validate() error {
	var errs []error
	if c.SecretPrefix != "" {
		for _, msg := range validation.IsDNS1123Subdomain(c.SecretPrefix) {
			errs = append(errs, fmt.Errorf("secret_prefix: %s", msg))
		}
	}
	for k, v := range c.Labels {
		for _, msg := range validation.IsQualifiedName(k) {
			errs = append(errs, fmt.Errorf("label %q: %s", k, msg))
		}
		for _, msg := range validation.IsValidLabelValue(v) {
			errs = append(errs, fmt.Errorf("label %q: %s", k, msg))
		}
		if strings.HasPrefix(k, labelDomain) || k == labelManagedBy {
			errs = append(errs, fmt.Errorf("label %q is reserved", k))
		}
	}
	return errors.Join(errs...)
}

// New returns a store for the cluster selected by the configuration, or by
// the default kubeconfig loading rules when nothing is set.
func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	restConfig, err := loadRESTConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading Kubernetes configuration: %w", err)
	}
	restConfig.UserAgent = userAgent

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	return newStore(clientset.CoreV1().Secrets(namespace), cfg), nil
}

func loadRESTConfig(cfg Config) (*rest.Config, error) {
	if cfg.InClusterConfig {
		return rest.InClusterConfig()
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.ConfigPath != "" {
		path, err := homedir.Expand(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		rules.ExplicitPath = path
	}
	overrides := &clientcmd.ConfigOverrides{}
	if cfg.ConfigContext != "" {
		overrides.CurrentContext = cfg.ConfigContext
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
