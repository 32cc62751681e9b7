// Package collection is the thin adapter between documents and the
// storage core: it maps a document's _id into a primary key for the
// core's B+tree and calls the core's transactional cursor. It does
// not encode or interpret document bytes (that is the binary
// document format's job) and it does not implement real ObjectId
// generation; where no _id is supplied it stands in with a uuid.
package collection

import (
	"github.com/google/uuid"

	"github.com/gabrielelanaro/wrongo/api"
	"github.com/gabrielelanaro/wrongo/storage/errs"
)

// Collection binds one table name to a Session, presenting a
// document-shaped Insert/Find/Update/Delete surface over the core's
// opaque key/value cursor.
type Collection struct {
	session *api.Session
	table   string
}

// Open returns a Collection over table on conn, creating the backing
// table if it does not already exist.
func Open(conn *api.Connection, table string) (*Collection, error) {
	if err := conn.CreateTable(table, 0); err != nil {
		if !errs.Is(err, errs.DocumentValidation) {
			return nil, err
		}
		// Already exists: fine, this collection reopens it.
	}
	return &Collection{session: conn.OpenSession(), table: table}, nil
}

// InsertDocument stores doc under id, generating a stand-in id via
// uuid when the caller passes nil (real object-id generation belongs
// to the wire layer).
func (c *Collection) InsertDocument(id, doc []byte) (usedID []byte, err error) {
	if len(id) == 0 {
		generated := uuid.New()
		id = generated[:]
	}
	if err := c.session.Insert(c.table, id, doc); err != nil {
		return nil, err
	}
	return id, nil
}

// FindDocument returns the document stored under id.
func (c *Collection) FindDocument(id []byte) (doc []byte, found bool, err error) {
	return c.session.Get(c.table, id)
}

// UpdateDocument overwrites the document stored under id.
func (c *Collection) UpdateDocument(id, doc []byte) error {
	return c.session.Update(c.table, id, doc)
}

// DeleteDocument removes the document stored under id.
func (c *Collection) DeleteDocument(id []byte) error {
	return c.session.Delete(c.table, id)
}

// Txn exposes the core's explicit transaction/cursor surface for
// callers that need more than one operation to share a snapshot
// (e.g. a multi-document batch write from the command dispatcher).
func (c *Collection) Txn() (*api.Txn, error) {
	return c.session.Begin()
}
