package graph

import (
	"strings"

	"github.com/creastat/memory"
)

// Key layout:
//
//	seg:{user}:{role}:{id}          msgpack-encoded segment
//	term:{user}:{role}:{term}:{id}  term edge, empty value
//	rel:{user}:{role}:{label}:{id}  dialog-role edge, empty value
//
// Segment ids are UUIDv7, so a segment prefix scan is chronological.

func tenantPart(t memory.TenantKey) string {
	return t.UserID + ":" + t.RoleID
}

func segPrefix(t memory.TenantKey) []byte {
	return []byte("seg:" + tenantPart(t) + ":")
}

func segKey(t memory.TenantKey, id string) []byte {
	return []byte("seg:" + tenantPart(t) + ":" + id)
}

func termPrefix(t memory.TenantKey, term string) []byte {
	return []byte("term:" + tenantPart(t) + ":" + term + ":")
}

func termKey(t memory.TenantKey, term, id string) []byte {
	return append(termPrefix(t, term), id...)
}

func relPrefix(t memory.TenantKey, label string) []byte {
	return []byte("rel:" + tenantPart(t) + ":" + label + ":")
}

func relKey(t memory.TenantKey, label, id string) []byte {
	return append(relPrefix(t, label), id...)
}

// idFromEdge returns the trailing segment id of an edge key.
func idFromEdge(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, ':')+1:]
}
