package redisstore

import "fedstate/internal/store/backend"

// Key layout, all under the configured prefix (default "fedstate"):
//
//	<prefix>:<table>:rec:<key>  record value
//	<prefix>:<table>:keys       set of live keys, for enumeration

const defaultPrefix = "fedstate"

func (s *Store) recordKey(table backend.Table, key string) string {
	return s.prefix + ":" + string(table) + ":rec:" + key
}

func (s *Store) indexKey(table backend.Table) string {
	return s.prefix + ":" + string(table) + ":keys"
}
