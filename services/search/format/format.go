// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package format turns a stored conversation into the message list sent
// to a sampler. It is the only place conversation history is reshaped.
package format

import (
	"strings"
	"unicode/utf8"

	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/program"
	"github.com/JackHopkins/PaperclipMaximiser-sub003/services/search/sampler"
)

// Config configures a Formatter.
type Config struct {
	// MaxLookback keeps only the most recent messages after the seed turns.
	// Zero keeps everything.
	MaxLookback int

	// MaxResponseChars truncates long user turns. Zero disables.
	MaxResponseChars int
}

// Formatter normalizes conversations. Safe for concurrent use.
type Formatter struct {
	config Config
}

// New creates a Formatter.
func New(config Config) *Formatter {
	return &Formatter{config: config}
}

const truncatedSuffix = "\n...[truncated]"

// Format returns the sampler messages for conv.
//
// Description:
//
//	The leading system turn and the first user turn always survive
//	lookback trimming since they carry the goal. Assistant turns are
//	passed through unchanged; long user turns are truncated. Adjacent
//	turns with the same role are merged, which some chat backends require.
func (f *Formatter) Format(conv *program.Conversation) []sampler.Message {
	msgs := conv.Messages()
	msgs = f.trim(msgs)

	out := make([]sampler.Message, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Role == program.RoleUser && f.config.MaxResponseChars > 0 && len(content) > f.config.MaxResponseChars {
			content = truncate(content, f.config.MaxResponseChars) + truncatedSuffix
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = strings.Join([]string{out[n-1].Content, content}, "\n\n")
			continue
		}
		out = append(out, sampler.Message{Role: m.Role, Content: content})
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (f *Formatter) trim(msgs []program.Message) []program.Message {
	if f.config.MaxLookback <= 0 {
		return msgs
	}
	head := 0
	if head < len(msgs) && msgs[head].Role == program.RoleSystem {
		head++
	}
	if head < len(msgs) && msgs[head].Role == program.RoleUser {
		head++
	}
	tail := msgs[head:]
	if len(tail) <= f.config.MaxLookback {
		return msgs
	}
	kept := make([]program.Message, 0, head+f.config.MaxLookback)
	kept = append(kept, msgs[:head]...)
	return append(kept, tail[len(tail)-f.config.MaxLookback:]...)
}
