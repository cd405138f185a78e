// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package kubernetes implements a state store that keeps each record in a
// Kubernetes secret.
package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/utils/ptr"

	"github.com/opentofu/statestore/internal/statestore"
)

const (
	labelDomain    = "statestore.opentofu.org/"
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelNamespace = labelDomain + "namespace"

	managedBy  = "statestore"
	recordData = "record.json"
	listLimit  = 500
)

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over the secrets of one Kubernetes
// namespace. Each record is a secret whose name is derived from a hash of
// the record's namespace and key, labeled with a hash of the namespace for
// listing. The secret's resourceVersion is the record's ETag.
//
// The API server has no multi-object transactions, so each entry of a Save
// is committed on its own. Secrets are limited to 1MiB.
type Store struct {
	secrets   corev1client.SecretInterface
	prefix    string
	labels    map[string]string
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func newStore(secrets corev1client.SecretInterface, cfg Config) *Store {
	prefix := cfg.SecretPrefix
	if prefix == "" {
		prefix = defaultSecretPrefix
	}
	return &Store{
		secrets:   secrets,
		prefix:    prefix,
		labels:    cfg.Labels,
		batchSize: cfg.BatchSize,
	}
}

func (s *Store) Backend() string {
	return "kubernetes"
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

// EnsureReady checks that secrets can be listed. The namespace itself must
// already exist.
func (s *Store) EnsureReady(ctx context.Context) error {
	if _, err := s.secrets.List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) secretName(namespace, key string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + key))
	return s.prefix + "-" + hex.EncodeToString(sum[:16])
}

func namespaceLabel(namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) selector(namespace string) string {
	return labels.SelectorFromSet(labels.Set{
		labelManagedBy: managedBy,
		labelNamespace: namespaceLabel(namespace),
	}).String()
}

func (s *Store) listSecrets(ctx context.Context, namespace string) ([]corev1.Secret, error) {
	opts := metav1.ListOptions{
		LabelSelector: s.selector(namespace),
		Limit:         listLimit,
	}
	var ret []corev1.Secret
	for {
		list, err := s.secrets.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			if item.Labels[labelNamespace] == namespaceLabel(namespace) {
				ret = append(ret, item)
			}
		}
		if list.Continue == "" {
			return ret, nil
		}
		opts.Continue = list.Continue
	}
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}
	secrets, err := s.listSecrets(ctx, namespace)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	var ret []*Entry
	for i := range secrets {
		env, err := decodeSecret(&secrets[i])
		if err != nil {
			return nil, s.wrap("list", err)
		}
		if env.Namespace == namespace {
			ret = append(ret, fromEnvelope(env, secrets[i].ResourceVersion))
		}
	}
	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}
	secret, err := s.secrets.Get(ctx, s.secretName(namespace, key), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	env, err := decodeSecret(secret)
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	if !env.Matches(namespace, key) {
		return nil, false, nil
	}
	return fromEnvelope(env, secret.ResourceVersion), true, nil
}

func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	return statestore.LoadEach(ctx, keys, 0, func(ctx context.Context, key string) (*Entry, bool, error) {
		return s.Load(ctx, namespace, key)
	})
}

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			err := statestore.ForEach(ctx, len(batch), 0, func(ctx context.Context, i int) error {
				return s.saveEntry(ctx, batch[i])
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveEntry(ctx context.Context, e *Entry) error {
	name := s.secretName(e.Namespace(), e.Key())
	expected := e.ETag()

	if e.IsAbsent() {
		if expected == statestore.NoETag {
			secret, err := s.secrets.Get(ctx, name, metav1.GetOptions{})
			switch {
			case k8serrors.IsNotFound(err):
				return nil
			case err != nil:
				return s.wrap("save", err)
			}
			return statestore.WriteConflict(e, statestore.ETag(secret.ResourceVersion))
		}

		err := s.secrets.Delete(ctx, name, metav1.DeleteOptions{
			Preconditions: &metav1.Preconditions{ResourceVersion: ptr.To(string(expected))},
		})
		if err != nil {
			return s.writeError(e, err)
		}
		e.SetETag(statestore.NoETag)
		return nil
	}

	src, err := statestore.EncodeEnvelope(e, statestore.NoETag)
	if err != nil {
		return err
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Labels:          s.secretLabels(e.Namespace()),
			ResourceVersion: string(expected),
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{recordData: src},
	}

	var saved *corev1.Secret
	if expected == statestore.NoETag {
		saved, err = s.secrets.Create(ctx, secret, metav1.CreateOptions{})
	} else {
		saved, err = s.secrets.Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return s.writeError(e, err)
	}
	e.SetETag(statestore.ETag(saved.ResourceVersion))
	return nil
}

func (s *Store) secretLabels(namespace string) map[string]string {
	ret := maps.Clone(s.labels)
	if ret == nil {
		ret = make(map[string]string, 2)
	}
	ret[labelManagedBy] = managedBy
	ret[labelNamespace] = namespaceLabel(namespace)
	return ret
}

func (s *Store) writeError(e *Entry, err error) error {
	if k8serrors.IsConflict(err) || k8serrors.IsAlreadyExists(err) || k8serrors.IsNotFound(err) {
		return statestore.WriteConflict(e, statestore.NoETag)
	}
	return s.wrap("save", err)
}

// DeleteNamespace removes the namespace's secrets one at a time. A failure
// part-way through leaves the remaining records in place.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	secrets, err := s.listSecrets(ctx, namespace)
	if err != nil {
		return s.wrap("delete", err)
	}
	var names []string
	for i := range secrets {
		env, err := decodeSecret(&secrets[i])
		if err != nil || env.Namespace != namespace {
			continue
		}
		names = append(names, secrets[i].Name)
	}
	return s.deleteSecrets(ctx, names)
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	keys = statestore.UniqueKeys(keys)
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = s.secretName(namespace, key)
	}
	return s.deleteSecrets(ctx, names)
}

func (s *Store) deleteSecrets(ctx context.Context, names []string) error {
	return statestore.ForEach(ctx, len(names), 0, func(ctx context.Context, i int) error {
		err := s.secrets.Delete(ctx, names[i], metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			return s.wrap("delete", err)
		}
		return nil
	})
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, isUnavailable(err))
}

// isUnavailable reports whether err may go away on retry. Errors without
// an API status come from the transport.
func isUnavailable(err error) bool {
	var status k8serrors.APIStatus
	if !errors.As(err, &status) {
		return true
	}
	return k8serrors.IsServerTimeout(err) ||
		k8serrors.IsTimeout(err) ||
		k8serrors.IsTooManyRequests(err) ||
		k8serrors.IsServiceUnavailable(err) ||
		k8serrors.IsInternalError(err)
}

func decodeSecret(secret *corev1.Secret) (*statestore.Envelope, error) {
	src, ok := secret.Data[recordData]
	if !ok {
		return nil, fmt.Errorf("secret %s has no %s", secret.Name, recordData)
	}
	env, err := statestore.DecodeEnvelope(src)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", secret.Name, err)
	}
	return env, nil
}

func fromEnvelope(env *statestore.Envelope, resourceVersion string) *Entry {
	return &Entry{Entry: statestore.LoadedEntry(env.Namespace, env.Key, statestore.ETag(resourceVersion), env.Value)}
}
