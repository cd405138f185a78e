// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package kubernetes

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"

	"github.com/opentofu/statestore/internal/statestore"
	"github.com/opentofu/statestore/internal/testutils"
)

func TestStore_impl(t *testing.T) {
	var _ statestore.Store[*Entry] = new(Store)
}

func TestStore(t *testing.T) {
	cs := newFakeClientset()
	statestore.TestStore(t, newStore(cs.CoreV1().Secrets(testNamespace), Config{}))
}

func TestStoreSecretLayout(t *testing.T) {
	cs := newFakeClientset()
	s := newStore(cs.CoreV1().Secrets(testNamespace), Config{
		SecretPrefix: "team-a",
		Labels:       map[string]string{"team": "a"},
	})
	e := s.CreateNew("/users/u1", "prefs")
	statestore.SetValue(e, map[string]string{"theme": "dark"})
	if err := s.Save(t.Context(), e); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	secret, err := cs.CoreV1().Secrets(testNamespace).Get(t.Context(), s.secretName("/users/u1", "prefs"), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !strings.HasPrefix(secret.Name, "team-a-") {
		t.Errorf("wrong secret name %q", secret.Name)
	}
	wantLabels := map[string]string{
		"team":         "a",
		labelManagedBy: managedBy,
		labelNamespace: namespaceLabel("/users/u1"),
	}
	if diff := cmp.Diff(wantLabels, secret.Labels); diff != "" {
		t.Errorf("wrong labels\n%s", diff)
	}
	if e.ETag() != statestore.ETag(secret.ResourceVersion) {
		t.Errorf("etag %q is not the resource version %q", e.ETag(), secret.ResourceVersion)
	}
	env, err := decodeSecret(secret)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !env.Matches("/users/u1", "prefs") {
		t.Errorf("secret holds %q/%q", env.Namespace, env.Key)
	}
}

func TestStoreIgnoresForeignSecrets(t *testing.T) {
	cs := newFakeClientset()
	secrets := cs.CoreV1().Secrets(testNamespace)
	_, err := secrets.Create(t.Context(), &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "unrelated"},
		Data:       map[string][]byte{"token": []byte("x")},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	s := newStore(secrets, Config{})
	got, err := s.LoadNamespace(t.Context(), "ns")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("loaded %d records from foreign secrets", len(got))
	}
	if err := s.DeleteNamespace(t.Context(), "ns"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err := secrets.Get(t.Context(), "unrelated", metav1.GetOptions{}); err != nil {
		t.Errorf("namespace deletion removed a foreign secret: %s", err)
	}
}

func TestStoreForbidden(t *testing.T) {
	cs := newFakeClientset()
	cs.PrependReactor("list", "secrets", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, k8serrors.NewForbidden(secretsResource.GroupResource(), "", errors.New("no access"))
	})
	s := newStore(cs.CoreV1().Secrets(testNamespace), Config{})
	err := s.EnsureReady(t.Context())
	if err == nil {
		t.Fatal("succeeded without access")
	}
	if errors.Is(err, statestore.ErrBackendUnavailable) {
		t.Errorf("forbidden reported as unavailable: %s", err)
	}
}

func TestIsUnavailable(t *testing.T) {
	gr := secretsResource.GroupResource()
	tests := map[string]struct {
		err  error
		want bool
	}{
		"transport":    {errors.New("dial tcp: connection refused"), true},
		"timeout":      {k8serrors.NewServerTimeout(gr, "get", 1), true},
		"throttled":    {k8serrors.NewTooManyRequests("slow down", 1), true},
		"unavailable":  {k8serrors.NewServiceUnavailable("down"), true},
		"forbidden":    {k8serrors.NewForbidden(gr, "x", errors.New("no")), false},
		"unauthorized": {k8serrors.NewUnauthorized("no"), false},
		"invalid":      {k8serrors.NewBadRequest("bad"), false},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if got := isUnavailable(test.err); got != test.want {
				t.Errorf("isUnavailable(%v) = %t, want %t", test.err, got, test.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"empty":          {Config{}, false},
		"good":           {Config{SecretPrefix: "state", Labels: map[string]string{"team": "a"}}, false},
		"bad prefix":     {Config{SecretPrefix: "Not_Valid"}, true},
		"bad label":      {Config{Labels: map[string]string{"team": "not valid!"}}, true},
		"reserved label": {Config{Labels: map[string]string{labelNamespace: "x"}}, true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.cfg.validate()
			if (err != nil) != test.wantErr {
				t.Errorf("validate() = %v, want error %t", err, test.wantErr)
			}
		})
	}
}

func TestStoreAcceptance(t *testing.T) {
	testutils.SkipUnlessAcceptance(t)
	if os.Getenv("KUBE_CONFIG_PATH") == "" && os.Getenv("KUBECONFIG") == "" {
		t.Skip("KUBE_CONFIG_PATH or KUBECONFIG must be set")
	}

	s, err := New(Config{
		ConfigPath:   os.Getenv("KUBE_CONFIG_PATH"),
		SecretPrefix: testutils.RandomIDPrefix("acc-", 8),
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := s.EnsureReady(testutils.Context(t)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	statestore.TestStore(t, s)
}
