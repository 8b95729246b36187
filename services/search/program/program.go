// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package program defines the records produced by the program search:
// messages, conversations, environment snapshots, and evaluated programs.
//
// A Program is built in memory after evaluation, persisted exactly once,
// and treated as read-only afterwards. Its ID is a SHA-256 digest of the
// code and the serialized conversation, so two candidates with the same
// code and history collapse to one stored row.
package program

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Program is one evaluated code artifact and the history that produced it.
type Program struct {
	// ID is the content digest of Code and the conversation messages.
	ID string `json:"id"`

	Code         string        `json:"code"`
	Conversation *Conversation `json:"conversation"`

	// ParentID is empty for a root program.
	ParentID string `json:"parent_id,omitempty"`

	// Value is RawReward minus the holdout share. Nil means unscored.
	Value        *float64 `json:"value,omitempty"`
	RawReward    *float64 `json:"raw_reward,omitempty"`
	HoldoutValue *float64 `json:"holdout_value,omitempty"`

	// State is the environment snapshot after executing Code. Nil means
	// the evaluation did not produce a state.
	State    *Snapshot `json:"state,omitempty"`
	Response string    `json:"response,omitempty"`

	Version            int    `json:"version"`
	VersionDescription string `json:"version_description,omitempty"`

	TokenUsage           int `json:"token_usage"`
	CompletionTokenUsage int `json:"completion_token_usage"`
	PromptTokenUsage     int `json:"prompt_token_usage"`

	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ComputeID returns the hex SHA-256 digest of code and the JSON encoding
// of messages.
//
// Description:
//
//	The digest input is the JSON array [code, messages]. Message encoding
//	is fixed by struct field order, so the result is stable across runs
//	and hosts.
//
// Inputs:
//
//	code - Program source.
//	messages - Conversation history in order.
//
// Outputs:
//
//	string - 64-character lowercase hex digest.
func ComputeID(code string, messages []Message) string {
	if messages == nil {
		messages = []Message{}
	}
	payload, err := json.Marshal([]any{code, messages})
	if err != nil {
		// Message holds only strings, bools and float pointers.
		panic("program: marshal id payload: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AssignID sets p.ID from the current code and conversation.
func (p *Program) AssignID() string {
	var msgs []Message
	if p.Conversation != nil {
		msgs = p.Conversation.Messages()
	}
	p.ID = ComputeID(p.Code, msgs)
	return p.ID
}

// IsRoot reports whether p has no parent.
func (p *Program) IsRoot() bool {
	return p.ParentID == ""
}

// MessageCount returns the length of p's conversation.
func (p *Program) MessageCount() int {
	if p.Conversation == nil {
		return 0
	}
	return p.Conversation.Len()
}

// HasErrorMarker reports whether an environment response signals an error.
// The match is case-insensitive on the word "error".
func HasErrorMarker(response string) bool {
	return strings.Contains(strings.ToLower(response), "error")
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
