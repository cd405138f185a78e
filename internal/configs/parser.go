// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package configs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/spf13/afero"
)

// Parser is the main interface to read configuration files and other related
// files from disk.
//
// It retains a cache of all files that are loaded so that they can be used
// to create source code snippets in diagnostics, etc.
type Parser struct {
	fs afero.Afero
	p  *hclparse.Parser
}

// NewParser creates and returns a new Parser that reads files from the given
// filesystem. If a nil filesystem is passed then the system's "real"
// filesystem will be used, via afero.OsFs.
func NewParser(fs afero.Fs) *Parser {
	if fs == nil {
		fs = afero.OsFs{}
	}

	return &Parser{
		fs: afero.Afero{Fs: fs},
		p:  hclparse.NewParser(),
	}
}

// LoadHCLFile is a low-level method that reads the file at the given path,
// parses it, and returns the hcl.Body representing its root. In many cases
// it is better to use one of the other Load*File methods on this type,
// which additionally decode the root body in some way and return a higher-level
// construct.
//
// If the file cannot be read at all -- e.g. because it does not exist -- then
// this method will return a nil body and error diagnostics. In this case
// callers may wish to ignore the provided error diagnostics and produce
// a more context-sensitive error instead.
//
// The file will be parsed using the HCL native syntax unless the filename
// ends with ".json", in which case the HCL JSON syntax will be used.
func (p *Parser) LoadHCLFile(path string) (hcl.Body, hcl.Diagnostics) {
	src, err := p.fs.ReadFile(path)

	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Failed to read file",
				Detail:   fmt.Sprintf("The file %q could not be read.", path),
			},
		}
	}

	return p.parseHCL(src, path)
}

func (p *Parser) parseHCL(src []byte, filename string) (hcl.Body, hcl.Diagnostics) {
	var file *hcl.File
	var diags hcl.Diagnostics
	switch {
	case strings.HasSuffix(filename, ".json"):
		file, diags = p.p.ParseJSON(src, filename)
	default:
		file, diags = p.p.ParseHCL(src, filename)
	}

	// If the returned file or body is nil, then we'll return a non-nil empty
	// body so we'll meet our contract that nil means an error reading the file.
	if file == nil || file.Body == nil {
		return hcl.EmptyBody(), diags
	}

	return file.Body, diags
}

// LoadConfigFile reads the file at the given path and decodes it as a
// statectl configuration file. Relative paths given to the file function
// inside it are resolved against the file's directory.
//
// If the file cannot be read then a nil *Config is returned along with
// error diagnostics. If the returned diagnostics have errors when a
// non-nil config is returned then the config may be incomplete.
func (p *Parser) LoadConfigFile(path string) (*Config, hcl.Diagnostics) {
	body, diags := p.LoadHCLFile(path)
	if body == nil {
		return nil, diags
	}
	cfg, cfgDiags := decodeConfig(body, p.evalContext(filepath.Dir(path)))
	return cfg, append(diags, cfgDiags...)
}

// LoadConfigBytes is like LoadConfigFile but takes the source directly.
// The filename is used for diagnostics and syntax selection.
func (p *Parser) LoadConfigBytes(src []byte, filename string) (*Config, hcl.Diagnostics) {
	body, diags := p.parseHCL(src, filename)
	cfg, cfgDiags := decodeConfig(body, p.evalContext(filepath.Dir(filename)))
	return cfg, append(diags, cfgDiags...)
}

// Files returns the files loaded through this parser so far, keyed by the
// filename each was opened with, for rendering source snippets in
// diagnostics.
func (p *Parser) Files() map[string]*hcl.File {
	return p.p.Files()
}
