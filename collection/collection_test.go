package collection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/api"
)

func setupCollection(t *testing.T, name string) *Collection {
	t.Helper()
	dir := t.TempDir()
	cfg := api.DefaultConfig()
	cfg.PageSize = 4096
	conn, err := api.Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	coll, err := Open(conn, name)
	require.NoError(t, err)
	return coll
}

func TestInsertGeneratesIDWhenMissing(t *testing.T) {
	coll := setupCollection(t, "users")
	id, err := coll.InsertDocument(nil, []byte(`{"name":"ada"}`))
	require.NoError(t, err)
	require.Len(t, id, 16)

	doc, found, err := coll.FindDocument(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"name":"ada"}`, string(doc))
}

func TestInsertRespectsCallerSuppliedID(t *testing.T) {
	coll := setupCollection(t, "users")
	id, err := coll.InsertDocument([]byte("user-1"), []byte(`{"name":"bob"}`))
	require.NoError(t, err)
	require.Equal(t, "user-1", string(id))
}

func TestUpdateAndDeleteDocument(t *testing.T) {
	coll := setupCollection(t, "users")
	id, err := coll.InsertDocument([]byte("u1"), []byte(`{"name":"a"}`))
	require.NoError(t, err)

	require.NoError(t, coll.UpdateDocument(id, []byte(`{"name":"b"}`)))
	doc, found, err := coll.FindDocument(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"name":"b"}`, string(doc))

	require.NoError(t, coll.DeleteDocument(id))
	_, found, err = coll.FindDocument(id)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTxnAcrossMultipleDocuments(t *testing.T) {
	coll := setupCollection(t, "orders")
	txn, err := coll.Txn()
	require.NoError(t, err)
	cur, err := txn.Cursor("orders")
	require.NoError(t, err)
	require.NoError(t, cur.Insert([]byte("o1"), []byte("one")))
	require.NoError(t, cur.Insert([]byte("o2"), []byte("two")))
	require.NoError(t, txn.Commit())

	doc, found, err := coll.FindDocument([]byte("o1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "one", string(doc))
}
