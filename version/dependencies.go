// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import "runtime/debug"

// interestingDependencies are the SDKs whose behavior most often explains
// differences between reports from different builds. Keep this small.
var interestingDependencies = map[string]struct{}{
	"github.com/aws/aws-sdk-go-v2":                         {},
	"github.com/aws/aws-sdk-go-v2/service/dynamodb":        {},
	"github.com/aws/aws-sdk-go-v2/service/s3":              {},
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob": {},
	"cloud.google.com/go/storage":                          {},
	"github.com/hashicorp/consul/api":                      {},
	"k8s.io/client-go":                                     {},
	"github.com/lib/pq":                                    {},
	"modernc.org/sqlite":                                   {},
	"github.com/hashicorp/hcl/v2":                          {},
}

// InterestingDependencies returns the compiled-in module version info for
// the storage SDKs listed above, for annotating debug logs.
func InterestingDependencies() []*debug.Module {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}

	ret := make([]*debug.Module, 0, len(interestingDependencies))
	for _, mod := range info.Deps {
		if _, ok := interestingDependencies[mod.Path]; !ok {
			continue
		}
		if mod.Replace != nil {
			mod = mod.Replace
		}
		ret = append(ret, mod)
	}
	return ret
}
