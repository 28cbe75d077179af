// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML documents on top of a base configuration. Later
// documents win; keys absent from a document keep their earlier value.
type Builder struct {
	sources []source
	Config  *Config
}

type source struct {
	name string
	read func() (string, error)
}

// Use sets the base configuration; DefaultConfig is used otherwise
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge adds YAML documents to be merged into the configuration
func (b *Builder) Merge(yamls ...string) *Builder {
	for _, y := range yamls {
		b.sources = append(b.sources, source{
			name: "yaml",
			read: func() (string, error) { return y, nil },
		})
	}
	return b
}

// MergeFile adds a YAML file to be merged into the configuration
func (b *Builder) MergeFile(path string) *Builder {
	b.sources = append(b.sources, source{
		name: path,
		read: func() (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
	})
	return b
}

// Build merges every source in order. Unknown keys are errors. All failing
// sources are reported together.
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	var errs error
	for _, src := range b.sources {
		data, err := src.read()
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to read %s: %w", src.name, err))
			continue
		}

		additional := &Config{}
		dec := yaml.NewDecoder(strings.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(additional); err != nil && !errors.Is(err, io.EOF) {
			errs = errors.Join(errs, fmt.Errorf("failed to parse YAML %s: %w", src.name, err))
			continue
		}

		if err := mergo.Merge(b.Config, additional, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge %s: %w", src.name, err))
		}
	}

	if errs != nil {
		return nil, errs
	}
	return b.Config, nil
}

// boolPtrTransformer lets an explicit false in a later document override true
type boolPtrTransformer struct{}

func (t boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
