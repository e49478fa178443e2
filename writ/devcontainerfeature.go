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

// Initially generated using https://app.quicktype.io/ against
// https://raw.githubusercontent.com/devcontainers/spec/1b2baddb5f1071ca0e8bcb7eb56dbc9d3e4a674f/schemas/devContainerFeature.schema.json

import (
	"regexp"
	"strconv"
	"strings"
)

// Development Container Features Metadata (devcontainer-feature.json). See
// https://containers.dev/implementors/features/ for more information.
type DevcontainerFeatureConfig struct {
	// Passes docker capabilities to include when creating the dev container.
	CapAdd []string `json:"capAdd,omitempty"`
	// Container environment variables.
	ContainerEnv map[string]string `json:"containerEnv,omitempty"`
	// Tool-specific configuration. Each tool should use a JSON object subproperty with a unique
	// name to group its customizations.
	Customizations map[string]interface{} `json:"customizations,omitempty"`
	// Indicates that the Feature is deprecated, and will not receive any further
	// updates/support. This property is intended to be used by the supporting tools for
	// highlighting Feature deprecation.
	Deprecated *bool `json:"deprecated,omitempty"`
	// Description of the Feature. For the best appearance in an implementing tool, refrain from
	// including markdown or HTML in the description.
	Description *string `json:"description,omitempty"`
	// URL to documentation for the Feature.
	DocumentationURL *string `json:"documentationURL,omitempty"`
	// Entrypoint script that should fire at container start up.
	Entrypoint *string `json:"entrypoint,omitempty"`
	// ID of the Feature. The id should be unique in the context of the repository/published
	// package where the feature exists and must match the name of the directory where the
	// devcontainer-feature.json resides.
	ID string `json:"id"`
	// Adds the tiny init process to the container (--init) when the Feature is used.
	Init *bool `json:"init,omitempty"`
	// Array of ID's of Features that should execute before this one. Allows control for feature
	// authors on soft dependencies between different Features.
	InstallsAfter []string `json:"installsAfter,omitempty"`
	// List of strings relevant to a user that would search for this definition/Feature.
	Keywords []string `json:"keywords,omitempty"`
	// Array of old IDs used to publish this Feature. The property is useful for renaming a
	// currently published Feature within a single namespace.
	LegacyIDs []string `json:"legacyIds,omitempty"`
	// URL to the license for the Feature.
	LicenseURL *string `json:"licenseURL,omitempty"`
	// Mounts a volume or bind mount into the container.
	Mounts []*MobyMount `json:"mounts,omitempty"`
	// Display name of the Feature.
	Name *string `json:"name,omitempty"`
	// Possible user-configurable options for this Feature. The selected options will be passed
	// as environment variables when installing the Feature into the container.
	Options map[string]FeatureOption `json:"options,omitempty"`
	// Sets privileged mode (--privileged) for the container.
	Privileged *bool `json:"privileged,omitempty"`
	// Sets container security options to include when creating the container.
	SecurityOpt []string `json:"securityOpt,omitempty"`
	// The version of the Feature. Follows the semanatic versioning (semver) specification.
	Version string `json:"version"`
}

// DevcontainerCollection is the aggregate metadata document published
// alongside a namespace's Features (devcontainer-collection.json);
// the same shape doubles as the legacy v1 collection file
// (devcontainer-features.json) found at the root of tarball-
// distributed Feature sets.
type DevcontainerCollection struct {
	SourceInformation map[string]interface{}      `json:"sourceInformation,omitempty"`
	Features          []DevcontainerFeatureConfig `json:"features"`
}

// A FeatureOption describes one user-configurable knob of a Feature.
type FeatureOption struct {
	// Default value if the user omits this option from their configuration.
	Default *FeatureValue `json:"default,omitempty"`
	// A description of the option displayed to the user by a supporting tool.
	Description *string `json:"description,omitempty"`
	// The type of the option. Can be 'boolean' or 'string'.  Options of type 'string' should
	// use the 'enum' or 'proposals' property to provide a list of allowed values.
	Type FeatureOptionType `json:"type"`
	// Allowed values for this option.  Unlike 'proposals', the user cannot provide a custom
	// value not included in the 'enum' array.
	Enum []string `json:"enum,omitempty"`
	// Suggested values for this option.  Unlike 'enum', the 'proposals' attribute indicates the
	// installation script can handle arbitrary values provided by the user.
	Proposals []string `json:"proposals,omitempty"`
}

// FeatureOptionType discriminates the two supported option shapes.
type FeatureOptionType string

// Supported values for FeatureOptionType
const (
	FeatureOptionTypeBoolean FeatureOptionType = "boolean"
	FeatureOptionTypeString  FeatureOptionType = "string"
)

var optionEnvNonWord = regexp.MustCompile(`[^\w_]`)
var optionEnvLeading = regexp.MustCompile(`^[\d_]+`)

// OptionEnvName maps an option id to the environment variable name
// its value is exported under for install.sh, per the Features spec:
// non-word characters become underscores, leading digits and
// underscores collapse to one underscore, and the result is
// uppercased.
func OptionEnvName(optionID string) string {
	envKey := optionEnvNonWord.ReplaceAllLiteralString(optionID, "_")
	envKey = optionEnvLeading.ReplaceAllLiteralString(envKey, "_")
	return strings.ToUpper(envKey)
}

// Text renders the binding the way it is handed to a shell: booleans
// as "true"/"false", strings as-is.
func (v FeatureValue) Text() string {
	switch {
	case v.Bool != nil:
		return strconv.FormatBool(*v.Bool)
	case v.String != nil:
		return *v.String
	default:
		return ""
	}
}
