package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// NormalizeEndpoint trims whitespace and trailing slashes and lowercases the
// scheme and host, so cosmetic differences in a typed or scanned endpoint do
// not produce a second database for the same server.
func NormalizeEndpoint(endpoint string) string {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u, err := url.Parse(e)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return e
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}

// Key derives the tenant key for a (tenant id, server endpoint) pair.
func Key(tenantID, endpoint string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(tenantID) + "\x00" + NormalizeEndpoint(endpoint)))
	return hex.EncodeToString(sum[:16])
}

// FileName is the database file name for a tenant key.
func FileName(key string) string {
	return "tenant_" + key + ".db"
}
