/*
   writ: a devcontainer.json parser
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package writ houses validating parsers for devcontainer.json and
// devcontainer-feature.json files
package writ

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// devcontainerFeatureJSONSchema is the contents of the JSON schema
// against which devcontainer-feature.json files are validated.
//
//go:embed specs/devContainerFeature.schema.json
var devcontainerFeatureJSONSchema string

// devcontainerFeatureJSONSchemaPath is the path used for the JSON
// schema when being added manually as resource for the validator; it
// allows the schema contents to be referenced by other resources
// later on.
const devcontainerFeatureJSONSchemaPath string = "devContainerFeature.schema.json"

// devcontainerCollectionJSONSchema is the contents of the JSON schema
// against which legacy v1 collection files (devcontainer-features.json)
// are validated.
//
//go:embed specs/devContainerCollection.schema.json
var devcontainerCollectionJSONSchema string

const devcontainerCollectionJSONSchemaPath string = "devContainerCollection.schema.json"

// A DevcontainerFeatureParser validates and parses a single Feature's
// devcontainer-feature.json.
type DevcontainerFeatureParser struct {
	Config DevcontainerFeatureConfig
	Parent *DevcontainerParser

	Parser
}

// A DevcontainerCollectionParser validates and parses a legacy v1
// collection file carrying several Features' metadata at once.
type DevcontainerCollectionParser struct {
	Collection DevcontainerCollection

	Parser
}

// NewDevcontainerFeatureParser returns a parser targeting a
// devcontainer-feature.json, ready to Validate and Parse.
func NewDevcontainerFeatureParser(configPath string, parent *DevcontainerParser) (p *DevcontainerFeatureParser, err error) {
	parser, err := NewParser(configPath)
	if err != nil {
		return nil, err
	}
	parser.jsonSchema = devcontainerFeatureJSONSchema
	parser.jsonSchemaPath = devcontainerFeatureJSONSchemaPath
	return &DevcontainerFeatureParser{
		Parser: *parser,
		Parent: parent,
	}, nil
}

// Parse unmarshals the target devcontainer-feature.json.
func (p *DevcontainerFeatureParser) Parse() error {
	if !p.IsValidConfig {
		return errors.New("devcontainer-feature.json flagged invalid")
	}

	slog.Debug("attempting to unmarshal and parse devcontainer-feature.json", "path", p.Filepath)
	if err := json.Unmarshal(p.standardizedJSON, &p.Config); err != nil {
		slog.Error("failed to unmarshal JSON", "path", p.Filepath, "error", err)
		return err
	}

	slog.Debug("configuration parsed", "config", p.Config)
	return nil
}

// ValidateValues checks user-supplied option bindings against the
// Feature's declared option schemas: the binding's shape has to match
// the option's type, and enum-constrained options only accept listed
// values. Unknown option ids pass through untouched; install scripts
// historically receive them as-is.
func (p *DevcontainerFeatureParser) ValidateValues(values FeatureValues) error {
	for optionID, value := range values {
		option, ok := p.Config.Options[optionID]
		if !ok {
			slog.Debug("option not declared by feature; passing through", "feature", p.Config.ID, "option", optionID)
			continue
		}

		switch option.Type {
		case FeatureOptionTypeBoolean:
			if value.Bool == nil {
				return fmt.Errorf("option %q of feature %q wants a boolean", optionID, p.Config.ID)
			}

		case FeatureOptionTypeString:
			if value.String == nil {
				return fmt.Errorf("option %q of feature %q wants a string", optionID, p.Config.ID)
			}
			if len(option.Enum) > 0 && !slices.Contains(option.Enum, *value.String) {
				return fmt.Errorf("option %q of feature %q does not allow value %q", optionID, p.Config.ID, *value.String)
			}
		}
	}
	return nil
}

// ResolveValues fills values for every declared option: the
// user-supplied binding wins, the option's default covers the rest.
func (p *DevcontainerFeatureParser) ResolveValues(userValues FeatureValues) FeatureValues {
	resolved := make(FeatureValues, len(p.Config.Options))
	for optionID, option := range p.Config.Options {
		if option.Default != nil {
			resolved[optionID] = *option.Default
		}
	}
	for optionID, value := range userValues {
		resolved[optionID] = value
	}
	return resolved
}

// NewDevcontainerCollectionParser returns a parser targeting a legacy
// v1 devcontainer-features.json collection file.
func NewDevcontainerCollectionParser(configPath string) (p *DevcontainerCollectionParser, err error) {
	parser, err := NewParser(configPath)
	if err != nil {
		return nil, err
	}
	parser.jsonSchema = devcontainerCollectionJSONSchema
	parser.jsonSchemaPath = devcontainerCollectionJSONSchemaPath
	return &DevcontainerCollectionParser{Parser: *parser}, nil
}

// Parse unmarshals the target collection file.
func (p *DevcontainerCollectionParser) Parse() error {
	if !p.IsValidConfig {
		return errors.New("devcontainer-features.json flagged invalid")
	}

	slog.Debug("attempting to unmarshal and parse collection file", "path", p.Filepath)
	if err := json.Unmarshal(p.standardizedJSON, &p.Collection); err != nil {
		slog.Error("failed to unmarshal JSON", "path", p.Filepath, "error", err)
		return err
	}

	return nil
}

// FeatureByID plucks the collection entry whose id matches.
func (p *DevcontainerCollectionParser) FeatureByID(id string) (*DevcontainerFeatureConfig, bool) {
	for i := range p.Collection.Features {
		if p.Collection.Features[i].ID == id {
			return &p.Collection.Features[i], true
		}
	}
	return nil, false
}
