// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/casestage/services/staging/failure"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the config at path over DefaultConfig. An empty path returns
// the defaults. All failures are validation errors.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, failure.New(failure.ClassValidation, "config", path, fmt.Errorf("config file not found"))
		}
		return Config{}, failure.New(failure.ClassValidation, "config", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			fe.Path = path
			return Config{}, fe
		}
		return Config{}, failure.New(failure.ClassValidation, "config", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, failure.New(failure.ClassValidation, "config", "", fmt.Errorf("parse: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the layout.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, describe(fe))
			}
			return failure.New(failure.ClassValidation, "config", "",
				fmt.Errorf("%d invalid setting(s)", len(verrs)), details...)
		}
		return failure.New(failure.ClassValidation, "config", "", err)
	}
	return c.Layout.Validate()
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: must satisfy %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes DefaultConfig to path, creating the parent
// directory. An existing file is left alone and reported.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return failure.New(failure.ClassValidation, "config", path, fmt.Errorf("config file already exists"))
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
