// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package env reads typed settings from environment variables.
//
// Every getter returns defaultValue for an unset variable. A set but malformed value is
// an error when the variable is required and falls back to defaultValue otherwise.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAsString retrieves an environment variable as a string.
func GetAsString(key string, required bool, defaultValue string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		if required {
			return "", fmt.Errorf("required environment variable %s is not set", key)
		}

		return defaultValue, nil
	}

	return value, nil
}

// GetAsInt retrieves an environment variable as an integer.
func GetAsInt(key string, required bool, defaultValue int) (int, error) {
	return get(key, required, defaultValue, "an integer", strconv.Atoi)
}

// GetAsInt64 retrieves an environment variable as a 64 bit integer.
func GetAsInt64(key string, required bool, defaultValue int64) (int64, error) {
	return get(key, required, defaultValue, "an integer", func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetAsDuration retrieves an environment variable as a duration such as "30s".
func GetAsDuration(key string, required bool, defaultValue time.Duration) (time.Duration, error) {
	return get(key, required, defaultValue, "a duration", time.ParseDuration)
}

// GetAsBool retrieves an environment variable as a boolean. Besides true and false it
// accepts 1/0, yes/no, y/n and on/off.
func GetAsBool(key string, required bool, defaultValue bool) (bool, error) {
	return get(key, required, defaultValue, "a boolean value", func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean %q", s)
		}
	})
}

func get[T any](key string, required bool, defaultValue T, kind string, parse func(string) (T, error)) (T, error) {
	var zero T

	raw, err := GetAsString(key, required, "")
	if err != nil {
		return zero, err
	}

	if raw == "" {
		return defaultValue, nil
	}

	value, err := parse(raw)
	if err != nil {
		if required {
			return zero, fmt.Errorf("environment variable %s must be %s: %w", key, kind, err)
		}

		return defaultValue, nil
	}

	return value, nil
}
