// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha512"
	"regexp"

	"github.com/akamensky/base58"
)

const (
	linkKeyPrefix   = "link."
	objectKeyPrefix = "object."
)

// Key tokens used verbatim. Dots are excluded as they separate tokens.
var safeTokenRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_-]{0,58}[A-Za-z0-9])?$`)

// keyToken returns s when it is usable as a single key token, otherwise a
// sha512 hash of s encoded to base58 (~88 chars). Hashed tokens are always
// longer than verbatim ones so the two can not collide.
func keyToken(s string) string {
	if safeTokenRE.MatchString(s) {
		return s
	}
	hash := sha512.Sum512([]byte(s))
	return base58.Encode(hash[:])
}

func linkKey(k LinkKey) string {
	return linkPrefix(k.Source, k.Schema) + keyToken(k.SourceID)
}

func linkPrefix(source, schema string) string {
	return linkKeyPrefix + keyToken(source) + "." + keyToken(schema) + "."
}

func objectKey(id string) string {
	return objectKeyPrefix + keyToken(id)
}
