// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML overlays, such as a site file and a per host file,
// onto a base pmcmon config
type Builder struct {
	base     *Config
	overlays []string
}

// Use sets the config overlays are applied to. DefaultConfig is used when
// no base is set.
func (b *Builder) Use(c *Config) *Builder {
	b.base = c
	return b
}

// Merge queues overlays; later overlays win over earlier ones
func (b *Builder) Merge(overlays ...string) *Builder {
	b.overlays = append(b.overlays, overlays...)
	return b
}

// Build applies every queued overlay to the base config in order. Keys an
// overlay leaves out keep their value, an explicit false disables a feature
// enabled below it and lists such as core type profiles are replaced as a
// whole. Errors of all overlays are joined. The result is sanitized but not
// validated.
func (b *Builder) Build() (*Config, error) {
	cfg := b.base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var errs error
	for i, overlay := range b.overlays {
		if err := applyOverlay(cfg, overlay); err != nil {
			errs = errors.Join(errs, fmt.Errorf("overlay %d: %w", i+1, err))
		}
	}
	if errs != nil {
		return nil, errs
	}

	cfg.sanitize()
	return cfg, nil
}

func applyOverlay(cfg *Config, overlay string) error {
	var layer Config
	if err := yaml.Unmarshal([]byte(overlay), &layer); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := mergo.Merge(cfg, &layer, mergo.WithOverride, mergo.WithTransformers(explicitBool{})); err != nil {
		return fmt.Errorf("failed to merge overlay: %w", err)
	}
	return nil
}

// explicitBool lets a *bool set in an overlay override the base even when
// it is false, which mergo would otherwise treat as empty
type explicitBool struct{}

func (explicitBool) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
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
