// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation checks user-provided identifiers before they reach
// storage keys, SQL parameters, or object store paths.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// programIDPattern matches a lowercase hex SHA-256 digest.
var programIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// bucketPattern follows the GCS bucket naming rules for names without dots:
// 3-63 characters, lowercase letters, digits, hyphens and underscores,
// starting and ending with a letter or digit.
var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,61}[a-z0-9]$`)

// ValidateProgramID validates a program identifier.
//
// Valid ids are exactly 64 lowercase hex characters, the form produced by
// program.ComputeID.
//
// Example:
//
//	if err := validation.ValidateProgramID(id); err != nil {
//	    return nil, fmt.Errorf("invalid id: %w", err)
//	}
func ValidateProgramID(id string) error {
	if id == "" {
		return fmt.Errorf("program id cannot be empty")
	}
	if !programIDPattern.MatchString(id) {
		return fmt.Errorf("invalid program id %q (must be 64 lowercase hex chars)", id)
	}
	return nil
}

// ValidateBucketName validates a GCS bucket name. Dotted (domain) bucket
// names are rejected.
func ValidateBucketName(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket cannot be empty")
	}
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name %q (must be 3-63 lowercase alphanumeric chars, hyphens, or underscores)", bucket)
	}
	if strings.HasPrefix(bucket, "goog") {
		return fmt.Errorf("invalid bucket name %q (must not start with \"goog\")", bucket)
	}
	return nil
}

// ValidateObjectName validates a GCS object name.
//
// Rejects empty names, names over 1024 bytes, control characters, and
// "." or ".." path segments.
func ValidateObjectName(object string) error {
	if object == "" {
		return fmt.Errorf("object name cannot be empty")
	}
	if len(object) > 1024 {
		return fmt.Errorf("object name is %d bytes, max 1024", len(object))
	}
	for _, r := range object {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("object name %q contains a control character", object)
		}
	}
	for _, seg := range strings.Split(object, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("object name %q contains a relative path segment", object)
		}
	}
	return nil
}
