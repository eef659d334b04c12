// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import "strings"

// =============================================================================
// Sensitive Data Masking
// =============================================================================

// Preview returns a bounded, masked preview of content for logging.
//
// # Description
//
// Prompts and model responses must never be persisted verbatim in logs.
// Preview truncates content to maxLen bytes and appends a "[MASKED]"
// suffix so readers know the value was redacted. Content at or below
// maxLen is fully masked: a short value offers no useful preview and may
// itself be sensitive.
//
// # Inputs
//
//   - content: The sensitive string (prompt, response, stderr fragment).
//   - maxLen: Maximum number of leading bytes to reveal. Values <= 0 fall
//     back to 50.
//
// # Outputs
//
//   - string: "[MASKED]" for short content, otherwise the leading maxLen
//     bytes followed by "...[MASKED]".
//
// # Examples
//
//	logger.Info("request completed",
//	    "prompt_preview", logging.Preview(prompt, 100),
//	    "response_preview", logging.Preview(answer, 100),
//	)
func Preview(content string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 50
	}
	if len(content) <= maxLen {
		return "[MASKED]"
	}
	return content[:maxLen] + "...[MASKED]"
}

// MaskToken redacts a credential, keeping only a short recognizable prefix.
//
// # Description
//
// Bearer tokens and API keys must never appear in logs. MaskToken keeps
// the first four characters (enough to distinguish keys during debugging)
// and replaces the remainder. Tokens of eight characters or fewer are
// fully redacted.
//
// # Examples
//
//	logging.MaskToken("sk-abcdef123456")  // "sk-a****"
//	logging.MaskToken("short")            // "****"
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****"
}

// MaskIP partially redacts a client address for privacy-conscious logs.
//
// IPv4 addresses keep their first two octets ("192.168.x.x"); anything
// else (IPv6, hostnames) is fully redacted.
func MaskIP(addr string) string {
	parts := strings.Split(addr, ".")
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".x.x"
	}
	return "x:x:x"
}
