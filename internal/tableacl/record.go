package tableacl

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
)

// TableACL is the per-project access-control record: a mapping from username
// to the set of table identifiers that user is denied access to.
//
// Records are treated as immutable values. Every mutation derives a new
// record and the stored document is replaced wholesale; the maps and sets of
// an existing record are never modified in place.
//
// Usernames are case-sensitive plain strings. A record with no blacklist
// entries is equivalent to no record at all.
type TableACL struct {
	UserBlacklist map[string]mapset.Set[string] `json:"user_blacklist"`
}

// NewTableACL returns the empty record.
func NewTableACL() *TableACL {
	return &TableACL{
		UserBlacklist: make(map[string]mapset.Set[string]),
	}
}

// clone returns a deep copy.
func (t *TableACL) clone() *TableACL {
	next := NewTableACL()
	for user, tables := range t.UserBlacklist {
		next.UserBlacklist[user] = tables.Clone()
	}
	return next
}

// Add returns a new record with table added to user's blacklist.
func (t *TableACL) Add(user string, table string) *TableACL {
	next := t.clone()
	tables, ok := next.UserBlacklist[user]
	if !ok {
		tables = mapset.NewSet[string]()
		next.UserBlacklist[user] = tables
	}
	tables.Add(table)
	return next
}

// Delete returns a new record with table removed from user's blacklist.
// A user whose blacklist becomes empty is dropped from the record.
func (t *TableACL) Delete(user string, table string) *TableACL {
	next := t.clone()
	if tables, ok := next.UserBlacklist[user]; ok {
		tables.Remove(table)
		if tables.Cardinality() == 0 {
			delete(next.UserBlacklist, user)
		}
	}
	return next
}

// DeleteUser returns a new record with the user removed entirely.
func (t *TableACL) DeleteUser(user string) *TableACL {
	next := t.clone()
	delete(next.UserBlacklist, user)
	return next
}

// DeleteTable returns a new record with table removed from every user's
// blacklist.
func (t *TableACL) DeleteTable(table string) *TableACL {
	next := t.clone()
	for user, tables := range next.UserBlacklist {
		tables.Remove(table)
		if tables.Cardinality() == 0 {
			delete(next.UserBlacklist, user)
		}
	}
	return next
}

// Tables returns the blacklist for user; empty set if the user has none.
func (t *TableACL) Tables(user string) mapset.Set[string] {
	if tables, ok := t.UserBlacklist[user]; ok {
		return tables
	}
	return mapset.NewSet[string]()
}

// IsDenied reports whether table is on user's blacklist.
func (t *TableACL) IsDenied(user string, table string) bool {
	tables, ok := t.UserBlacklist[user]
	return ok && tables.Contains(table)
}

// IsEmpty reports whether the record carries no blacklist entries.
func (t *TableACL) IsEmpty() bool {
	return len(t.UserBlacklist) == 0
}

// tableACLWire is the JSON document shape. Sets serialize as sorted arrays so
// the stored document is deterministic.
type tableACLWire struct {
	UserBlacklist map[string][]string `json:"user_blacklist"`
}

func (t *TableACL) MarshalJSON() ([]byte, error) {
	wire := tableACLWire{
		UserBlacklist: make(map[string][]string, len(t.UserBlacklist)),
	}
	for user, tables := range t.UserBlacklist {
		sorted := tables.ToSlice()
		sort.Strings(sorted)
		wire.UserBlacklist[user] = sorted
	}
	return json.Marshal(wire)
}

func (t *TableACL) UnmarshalJSON(data []byte) error {
	var wire tableACLWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	t.UserBlacklist = make(map[string]mapset.Set[string], len(wire.UserBlacklist))
	for user, tables := range wire.UserBlacklist {
		if len(tables) == 0 {
			continue
		}
		t.UserBlacklist[user] = mapset.NewSet(tables...)
	}
	return nil
}
