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
	"encoding/json"
	"fmt"

	dockeropts "github.com/docker/cli/opts"
	dockermounts "github.com/docker/docker/volume/mounts"
)

// UnmarshalJSON for the CacheFrom type
func (c *CacheFrom) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case []any:
		var elements []string
		for _, x := range v {
			switch y := x.(type) {
			case string:
				elements = append(elements, y)
			default:
				return fmt.Errorf("unsupported type: %#v for value %#v", y, x)
			}
		}
		c.StringArray = elements

	case string:
		c.String = &v

	default:
		return fmt.Errorf("unsupported type: %#v for value %#v", v, raw)
	}

	return nil
}

// UnmarshalJSON for the CommandBase type
func (c *CommandBase) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case []any:
		var elements []string
		for _, x := range v {
			switch y := x.(type) {
			case string:
				elements = append(elements, y)
			default:
				return fmt.Errorf("unsupported type: %#v for value %#v", y, x)
			}
		}
		c.StringArray = elements

	case string:
		c.String = &v
	}

	return nil
}

// UnmarshalJSON for the DockerComposeFile type
func (d *DockerComposeFile) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var elements []string
	switch v := raw.(type) {
	case []any:
		for _, x := range v {
			switch y := x.(type) {
			case string:
				elements = append(elements, y)
			default:
				return fmt.Errorf("unsupported type: %#v for value %#v", y, x)
			}
		}

	case string:
		elements = append(elements, v)

	default:
		return fmt.Errorf("unsupported type: %#v for value %#v", v, raw)
	}

	*d = elements
	return nil
}

// UnmarshalJSON for the FeatureMap type.
//
// Declarations whose value is a bare `false` are disabled and dropped
// here, so downstream consumers never see them.
func (m *FeatureMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if *m == nil {
		*m = make(FeatureMap, len(raw))
	}
	for userFeatureID, rawValue := range raw {
		var enabled bool
		if err := json.Unmarshal(rawValue, &enabled); err == nil && !enabled {
			continue
		}

		var values FeatureValues
		if err := json.Unmarshal(rawValue, &values); err != nil {
			return fmt.Errorf("feature %q: %w", userFeatureID, err)
		}
		(*m)[userFeatureID] = values
	}
	return nil
}

// UnmarshalJSON for the FeatureValues type.
//
// Handles the three declaration shapes the spec allows for a Feature's
// value: an option object, a bare boolean (enable with defaults), and
// the shorthand string; according to the spec, the latter maps to an
// option named "version":
// https://containers.dev/implementors/features/#:~:text=This%20string%20is%20mapped%20to%20an%20option%20called%20version%2E
func (f *FeatureValues) UnmarshalJSON(data []byte) error {
	if *f == nil {
		*f = make(FeatureValues)
	}

	if len(data) > 0 && data[0] == '"' {
		versionOpt := FeatureValue{}
		if err := json.Unmarshal(data, &versionOpt); err != nil {
			return err
		}
		(*f)["version"] = versionOpt
		return nil
	}

	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		// A bare boolean carries no option bindings either way; a
		// false value is weeded out by the caller.
		return nil
	}

	type longhandFeature FeatureValues
	return json.Unmarshal(data, (*longhandFeature)(f))
}

// UnmarshalJSON for the FeatureValue type
func (f *FeatureValue) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &f.Bool); err == nil {
		return nil
	}

	if err := json.Unmarshal(data, &f.String); err == nil {
		f.Bool = nil
		return nil
	}

	return fmt.Errorf("feature option must be either a string or a boolean: %#v", data)
}

// MarshalJSON for the FeatureValue type; needed when metadata carrying
// option defaults is re-serialized (e.g., the collection document).
func (f FeatureValue) MarshalJSON() ([]byte, error) {
	switch {
	case f.Bool != nil:
		return json.Marshal(*f.Bool)
	case f.String != nil:
		return json.Marshal(*f.String)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON for the LifecycleCommand type
func (l *LifecycleCommand) UnmarshalJSON(data []byte) error {
	err := l.CommandBase.UnmarshalJSON(data)
	if err != nil || l.String != nil || len(l.StringArray) > 0 {
		return err
	}

	var objMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &objMap); err != nil {
		return err
	}

	l.ParallelCommands = &map[string]CommandBase{}
	for key, raw := range objMap {
		var cmdBase CommandBase
		if err := json.Unmarshal(raw, &cmdBase); err != nil {
			return err
		}
		(*l.ParallelCommands)[key] = cmdBase
	}

	return nil
}

// UnmarshalJSON for the MobyMount type
func (m *MobyMount) UnmarshalJSON(data []byte) error {
	type mobyMount MobyMount
	if len(data) > 0 && data[0] == '{' {
		return json.Unmarshal(data, (*mobyMount)(m))
	}

	var mountString string
	if err := json.Unmarshal(data, &mountString); err != nil {
		return err
	}

	// Try parsing as the CSV type
	mountOpt := dockeropts.MountOpt{}
	if err := mountOpt.Set(mountString); err == nil {
		*m = (MobyMount)(mountOpt.Value()[0])
		return err
	}

	// Try parsing as the short version
	dockerParser := dockermounts.NewParser()
	mountPt, err := dockerParser.ParseMountRaw(mountString, "")
	if err == nil {
		specJSON, err := json.Marshal(mountPt.Spec)
		if err != nil {
			return err
		}
		return json.Unmarshal(specJSON, m)
	}

	return fmt.Errorf("unable to parse '%s' as a mount string", mountString)
}
