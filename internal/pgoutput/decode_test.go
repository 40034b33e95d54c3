package pgoutput

import (
	"testing"

	"github.com/jfoltran/pgrepl/internal/pgvalue"
)

func relationPayload() []byte {
	var b []byte
	b = append(b, 'R')
	b = append(b, 0, 0, 0, 1) // relation id = 1
	b = append(b, []byte("public\x00")...)
	b = append(b, []byte("test_items\x00")...)
	b = append(b, 'd') // replica identity
	b = append(b, 0, 3) // ncols = 3

	appendCol := func(flags byte, name string, oid uint32) {
		b = append(b, flags)
		b = append(b, []byte(name+"\x00")...)
		b = append(b, byte(oid>>24), byte(oid>>16), byte(oid>>8), byte(oid))
		b = append(b, 0xff, 0xff, 0xff, 0xff) // type_modifier = -1
	}
	appendCol(1, "id", pgvalue.OIDInt4)
	appendCol(0, "name", pgvalue.OIDText)
	appendCol(0, "value", pgvalue.OIDInt4)
	return b
}

func TestDecodeMessage_Relation(t *testing.T) {
	cache := newRelationCache()
	msg, err := decodeMessage(relationPayload(), cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != MessageRelation {
		t.Fatalf("Kind = %v, want MessageRelation", msg.Kind)
	}
	if msg.Relation.Name != "test_items" || msg.Relation.Namespace != "public" {
		t.Errorf("relation = %+v", msg.Relation)
	}
	if msg.Relation.ReplicaIdentity != 'd' {
		t.Errorf("replica_identity = %v, want 'd'", msg.Relation.ReplicaIdentity)
	}
	if len(msg.Relation.Columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(msg.Relation.Columns))
	}
	if !msg.Relation.Columns[0].IsKey() {
		t.Errorf("column 0 should be marked key")
	}

	cached, ok := cache.get(1)
	if !ok {
		t.Fatal("relation not installed in cache")
	}
	if cached.Name != "test_items" {
		t.Errorf("cached relation = %+v", cached)
	}
}

func textCol(s string) []byte {
	b := []byte{'t'}
	n := int32(len(s))
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	b = append(b, s...)
	return b
}

func nullCol() []byte {
	return []byte{'n'}
}

func TestDecodeMessage_Insert(t *testing.T) {
	cache := newRelationCache()
	cache.set(RelationInfo{
		ID:        1,
		Namespace: "public",
		Name:      "test_items",
		Columns: []Column{
			{Name: "id", TypeOID: pgvalue.OIDInt4},
			{Name: "name", TypeOID: pgvalue.OIDText},
		},
	})

	var b []byte
	b = append(b, 'I')
	b = append(b, 0, 0, 0, 1) // relation id
	b = append(b, 'N')
	b = append(b, 0, 2) // ncols
	b = append(b, textCol("1")...)
	b = append(b, textCol("item1")...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != MessageInsert {
		t.Fatalf("Kind = %v, want MessageInsert", msg.Kind)
	}
	if msg.RelationID != 1 {
		t.Errorf("RelationID = %d", msg.RelationID)
	}
	if len(msg.New.Columns) != 2 {
		t.Fatalf("columns = %d, want 2", len(msg.New.Columns))
	}
	got, err := pgvalue.ParseText("1", pgvalue.OIDInt4)
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if !msg.New.Columns[0].Equal(got) {
		t.Errorf("column 0 = %v, want %v", msg.New.Columns[0], got)
	}
}

func TestDecodeMessage_InsertNullColumn(t *testing.T) {
	cache := newRelationCache()
	cache.set(RelationInfo{ID: 1, Columns: []Column{{TypeOID: pgvalue.OIDText}}})

	var b []byte
	b = append(b, 'I')
	b = append(b, 0, 0, 0, 1)
	b = append(b, 'N')
	b = append(b, 0, 1)
	b = append(b, nullCol()...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.New.Columns[0] != nil {
		t.Errorf("expected nil (NULL) column, got %v", msg.New.Columns[0])
	}
}

func TestDecodeMessage_UpdateWithOldTuple(t *testing.T) {
	cache := newRelationCache()
	cache.set(RelationInfo{ID: 1, Columns: []Column{{TypeOID: pgvalue.OIDInt4}}})

	var b []byte
	b = append(b, 'U')
	b = append(b, 0, 0, 0, 1)
	b = append(b, 'O')
	b = append(b, 0, 1)
	b = append(b, textCol("1")...)
	b = append(b, 'N')
	b = append(b, 0, 1)
	b = append(b, textCol("2")...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != MessageUpdate {
		t.Fatalf("Kind = %v", msg.Kind)
	}
	if msg.Old == nil || msg.New == nil {
		t.Fatalf("expected both Old and New tuples, got Old=%v New=%v", msg.Old, msg.New)
	}
}

func TestDecodeMessage_UpdateWithoutOldTuple(t *testing.T) {
	cache := newRelationCache()
	cache.set(RelationInfo{ID: 1, Columns: []Column{{TypeOID: pgvalue.OIDInt4}}})

	var b []byte
	b = append(b, 'U')
	b = append(b, 0, 0, 0, 1)
	b = append(b, 'N')
	b = append(b, 0, 1)
	b = append(b, textCol("2")...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Old != nil {
		t.Errorf("expected no Old tuple, got %v", msg.Old)
	}
}

func TestDecodeMessage_DeleteWithoutOldTuple(t *testing.T) {
	cache := newRelationCache()
	var b []byte
	b = append(b, 'D')
	b = append(b, 0, 0, 0, 1)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != MessageDelete {
		t.Fatalf("Kind = %v", msg.Kind)
	}
	if msg.Old != nil {
		t.Errorf("expected no Old tuple per DEFAULT replica identity, got %v", msg.Old)
	}
}

func TestDecodeMessage_DeleteWithKeyOnlyOldTuple(t *testing.T) {
	cache := newRelationCache()
	cache.set(RelationInfo{ID: 1, Columns: []Column{{TypeOID: pgvalue.OIDInt4}}})

	var b []byte
	b = append(b, 'D')
	b = append(b, 0, 0, 0, 1)
	b = append(b, 'K')
	b = append(b, 0, 1)
	b = append(b, textCol("1")...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Old == nil {
		t.Fatal("expected Old tuple decoded from K-marked payload")
	}
}

func TestDecodeMessage_BeginAndCommit(t *testing.T) {
	cache := newRelationCache()

	var begin []byte
	begin = append(begin, 'B')
	begin = appendUint64(begin, 0x1000)
	begin = appendUint64(begin, 0) // commit_time
	begin = append(begin, 0, 0, 0, 1) // xid

	msg, err := decodeMessage(begin, cache)
	if err != nil {
		t.Fatalf("decodeMessage(Begin): %v", err)
	}
	if msg.Kind != MessageBegin || msg.LSN != 0x1000 {
		t.Errorf("got %+v", msg)
	}

	var commit []byte
	commit = append(commit, 'C')
	commit = appendUint64(commit, 0x2000)

	msg, err = decodeMessage(commit, cache)
	if err != nil {
		t.Fatalf("decodeMessage(Commit): %v", err)
	}
	if msg.Kind != MessageCommit || msg.LSN != 0x2000 {
		t.Errorf("got %+v", msg)
	}
}

func TestDecodeMessage_UnknownByteDegradesGracefully(t *testing.T) {
	cache := newRelationCache()
	msg, err := decodeMessage([]byte{'Z'}, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Kind != MessageUnknown || msg.UnknownByte != 'Z' {
		t.Errorf("got %+v", msg)
	}
}

func TestDecodeMessage_EmptyPayloadFails(t *testing.T) {
	if _, err := decodeMessage(nil, newRelationCache()); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeMessage_ShortRelationPayloadFails(t *testing.T) {
	if _, err := decodeMessage([]byte{'R', 0, 0}, newRelationCache()); err == nil {
		t.Fatal("expected error for truncated Relation payload")
	}
}

func TestDecodeMessage_MissingRelationFallsBackToText(t *testing.T) {
	cache := newRelationCache() // no relation installed for id 99

	var b []byte
	b = append(b, 'I')
	b = append(b, 0, 0, 0, 99)
	b = append(b, 'N')
	b = append(b, 0, 1)
	b = append(b, textCol("hello")...)

	msg, err := decodeMessage(b, cache)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	want, _ := pgvalue.ParseText("hello", pgvalue.OIDText)
	if !msg.New.Columns[0].Equal(want) {
		t.Errorf("got %v, want %v", msg.New.Columns[0], want)
	}
}
