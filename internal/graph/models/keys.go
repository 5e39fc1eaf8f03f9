package models

import (
	"strings"

	"confconnect/internal/record"
)

// Single-table key layout shared by every record backend.
const (
	UserPKPrefix       = "USER#"
	ProfileSK          = "PROFILE"
	ConnectionSKPrefix = "CONNECTION#"
	RequestPKPrefix    = "REQUEST#"
	RequestSK          = "REQUEST"
)

func UserKey(userID string) record.Key {
	return record.Key{PK: UserPKPrefix + userID, SK: ProfileSK}
}

// ConnectionKey addresses the directed edge owner → other.
func ConnectionKey(owner, other string) record.Key {
	return record.Key{PK: UserPKPrefix + owner, SK: ConnectionSKPrefix + other}
}

func RequestKey(requestID string) record.Key {
	return record.Key{PK: RequestPKPrefix + requestID, SK: RequestSK}
}

// IsConnectionKey reports whether key addresses a connection edge.
func IsConnectionKey(key record.Key) bool {
	return strings.HasPrefix(key.PK, UserPKPrefix) && strings.HasPrefix(key.SK, ConnectionSKPrefix)
}

// IsProfileKey reports whether key addresses a user profile.
func IsProfileKey(key record.Key) bool {
	return strings.HasPrefix(key.PK, UserPKPrefix) && key.SK == ProfileSK
}

// ConnectionOther extracts the other user's id from a connection sort key.
func ConnectionOther(sk string) string {
	return strings.TrimPrefix(sk, ConnectionSKPrefix)
}
