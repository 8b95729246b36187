// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package program

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Metadata carries per-message evaluation annotations.
type Metadata struct {
	Error bool     `json:"error"`
	Score *float64 `json:"score,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role     Role     `json:"role"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// SystemMessage returns a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is an ordered, append-only message history.
//
// # Thread Safety
//
// Safe for concurrent use. Messages returns a copy.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// NewConversation returns a conversation holding msgs in order.
func NewConversation(msgs ...Message) *Conversation {
	c := &Conversation{messages: make([]Message, len(msgs))}
	copy(c.messages, msgs)
	return c
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Append adds msgs to the end of the history.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Clone returns an independent copy.
func (c *Conversation) Clone() *Conversation {
	return NewConversation(c.Messages()...)
}

// AddResult records one execution step.
//
// Description:
//
//	Appends the executed code as an assistant turn and the environment
//	feedback as a user turn. Both turns are flagged when the response
//	carries an error marker.
//
// Inputs:
//
//	code - The executed source.
//	response - Environment output for that source.
//	state - Environment snapshot after execution. May be nil.
func (c *Conversation) AddResult(code, response string, state *Snapshot) {
	failed := HasErrorMarker(response)

	var b strings.Builder
	b.WriteString("Execution result:\n")
	b.WriteString(response)
	if state != nil {
		b.WriteString("\n\nUpdated state:\n")
		b.WriteString(state.Summary())
	}

	assistant := AssistantMessage(code)
	assistant.Metadata.Error = failed
	user := UserMessage(b.String())
	user.Metadata.Error = failed
	c.Append(assistant, user)
}

type conversationJSON struct {
	Messages []Message `json:"messages"`
}

// MarshalJSON encodes the conversation as {"messages": [...]}.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	msgs := c.Messages()
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(conversationJSON{Messages: msgs})
}

// UnmarshalJSON decodes {"messages": [...]} and rejects unknown roles.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var v conversationJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for i, m := range v.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = v.Messages
	return nil
}
