// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package program

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Snapshot is an environment capture sufficient to resume execution as if
// the step that produced it had just finished.
//
// Entities, Namespace and Research are owned by the environment and kept
// as raw JSON. A Snapshot attached to a Program is read-only.
type Snapshot struct {
	Entities  json.RawMessage `json:"entities,omitempty"`
	Inventory map[string]int  `json:"inventory,omitempty"`

	// Namespace holds persistent script-local variables.
	Namespace json.RawMessage `json:"namespace,omitempty"`
	Research  json.RawMessage `json:"research,omitempty"`
	Tick      int64           `json:"tick"`
}

// Clone returns a deep copy. Clone of nil is nil.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Entities:  bytes.Clone(s.Entities),
		Inventory: maps.Clone(s.Inventory),
		Namespace: bytes.Clone(s.Namespace),
		Research:  bytes.Clone(s.Research),
		Tick:      s.Tick,
	}
}

// Summary renders the inventory for inclusion in a conversation turn.
// Keys are sorted so identical states render identically.
func (s *Snapshot) Summary() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Inventory: ")
	b.WriteString(FormatInventory(s.Inventory))
	if len(s.Entities) > 0 && !bytes.Equal(s.Entities, []byte("null")) {
		b.WriteString("\nEntities: ")
		b.Write(s.Entities)
	}
	return b.String()
}

// FormatInventory renders an inventory as a JSON object with sorted keys.
func FormatInventory(inv map[string]int) string {
	if len(inv) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(inv)) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %d", k, inv[k])
	}
	b.WriteByte('}')
	return b.String()
}
