// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package kubernetes

import (
	"errors"
	"strconv"
	"sync"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "statestore-test"

var secretsResource = corev1.SchemeGroupVersion.WithResource("secrets")

// newFakeClientset returns a fake clientset whose secrets carry
// resourceVersions, which the object tracker alone neither assigns nor
// checks.
func newFakeClientset() *fake.Clientset {
	cs := fake.NewSimpleClientset()

	var mu sync.Mutex
	version := 1000
	cs.PrependReactor("*", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		mu.Lock()
		defer mu.Unlock()
		tracker := cs.Tracker()
		ns := action.GetNamespace()

		switch action.GetVerb() {
		case "create":
			secret := action.(k8stesting.CreateAction).GetObject().(*corev1.Secret).DeepCopy()
			version++
			secret.ResourceVersion = strconv.Itoa(version)
			if err := tracker.Create(secretsResource, secret, ns); err != nil {
				return true, nil, err
			}
			return true, secret.DeepCopy(), nil

		case "update":
			secret := action.(k8stesting.UpdateAction).GetObject().(*corev1.Secret).DeepCopy()
			cur, err := tracker.Get(secretsResource, ns, secret.Name)
			if err != nil {
				return true, nil, err
			}
			if secret.ResourceVersion != cur.(*corev1.Secret).ResourceVersion {
				return true, nil, k8serrors.NewConflict(secretsResource.GroupResource(), secret.Name, errors.New("the object has been modified"))
			}
			version++
			secret.ResourceVersion = strconv.Itoa(version)
			if err := tracker.Update(secretsResource, secret, ns); err != nil {
				return true, nil, err
			}
			return true, secret.DeepCopy(), nil

		case "delete":
			withOpts, ok := action.(interface {
				GetName() string
				GetDeleteOptions() metav1.DeleteOptions
			})
			if !ok {
				return false, nil, nil
			}
			pre := withOpts.GetDeleteOptions().Preconditions
			if pre == nil || pre.ResourceVersion == nil {
				return false, nil, nil
			}
			cur, err := tracker.Get(secretsResource, ns, withOpts.GetName())
			if err != nil {
				return true, nil, err
			}
			if *pre.ResourceVersion != cur.(*corev1.Secret).ResourceVersion {
				return true, nil, k8serrors.NewConflict(secretsResource.GroupResource(), withOpts.GetName(), errors.New("precondition failed"))
			}
		}
		return false, nil, nil
	})
	return cs
}
