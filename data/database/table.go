package database

import "go.mongodb.org/mongo-driver/mongo"

// Table is a document type that knows its collection name.
type Table interface {
	GetTableName() string
}

func Collection(db *mongo.Database, t Table) *mongo.Collection {
	return db.Collection(t.GetTableName())
}
