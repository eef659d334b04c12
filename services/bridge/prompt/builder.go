// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt converts OpenAI-format conversations into the flat text
// prompt the Gemini CLI reads from stdin.
package prompt

import (
	"strings"

	"github.com/AleutianAI/GeminiBridge/services/bridge/datatypes"
)

// MaxHistoryMessages caps how much conversation history is forwarded to
// the CLI. Older turns are dropped to keep prompts bounded.
const MaxHistoryMessages = 20

// Build renders messages as a sectioned prompt:
//
//	[System]
//	You are helpful.
//
//	[User]
//	Hello
//
// Only the last MaxHistoryMessages entries are included. The result is
// trimmed; an empty conversation yields an empty string.
func Build(messages []datatypes.Message) string {
	if len(messages) > MaxHistoryMessages {
		messages = messages[len(messages)-MaxHistoryMessages:]
	}

	var b strings.Builder
	for _, msg := range messages {
		b.WriteString("[")
		b.WriteString(capitalize(msg.Role))
		b.WriteString("]\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// capitalize upper-cases the first ASCII letter ("user" -> "User").
func capitalize(s string) string {
	if s == "" {
		return s
	}
	c := s[0]
	if 'a' <= c && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
