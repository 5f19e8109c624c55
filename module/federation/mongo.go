package federation

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"joingate/data/database"
	"joingate/service/mgo"
	"joingate/tools/errs"
)

type federationDoc struct {
	HubChatID   int64     `bson:"_id"`
	LinkedChats []int64   `bson:"linked_chats"`
	BannedUsers []int64   `bson:"banned_users"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (federationDoc) GetTableName() string { return "federations" }

type linkDoc struct {
	ChatID int64 `bson:"_id"`
	HubID  int64 `bson:"hub_chat_id"`
}

func (linkDoc) GetTableName() string { return "federation_links" }

// MongoStore stores federations and links in two collections keyed by chat id.
type MongoStore struct {
	db mgo.DBProvider
}

func NewMongoStore(db mgo.DBProvider) *MongoStore { return &MongoStore{db: db} }

func (s *MongoStore) coll(t database.Table) (*mongo.Collection, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	return database.Collection(db, t), nil
}

func (s *MongoStore) Get(ctx context.Context, hub int64) (*Record, error) {
	c, err := s.coll(federationDoc{})
	if err != nil {
		return nil, err
	}
	var doc federationDoc
	err = c.FindOne(ctx, bson.M{"_id": hub}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound.WrapMsg("", "hub", hub)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find federation", "hub", hub)
	}
	rec := newRecord(doc.HubChatID)
	if doc.LinkedChats != nil {
		rec.LinkedChats = doc.LinkedChats
	}
	if doc.BannedUsers != nil {
		rec.BannedUsers = doc.BannedUsers
	}
	return rec, nil
}

func (s *MongoStore) Save(ctx context.Context, rec *Record) error {
	c, err := s.coll(federationDoc{})
	if err != nil {
		return err
	}
	doc := federationDoc{
		HubChatID:   rec.HubChatID,
		LinkedChats: normalize(rec.LinkedChats),
		BannedUsers: normalize(rec.BannedUsers),
		UpdatedAt:   time.Now(),
	}
	_, err = c.ReplaceOne(ctx, bson.M{"_id": rec.HubChatID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapMsg(err, "save federation", "hub", rec.HubChatID)
	}
	return nil
}

func (s *MongoStore) HubOf(ctx context.Context, chatID int64) (int64, bool, error) {
	c, err := s.coll(linkDoc{})
	if err != nil {
		return 0, false, err
	}
	var doc linkDoc
	err = c.FindOne(ctx, bson.M{"_id": chatID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.WrapMsg(err, "find federation link", "chat_id", chatID)
	}
	return doc.HubID, true, nil
}

func (s *MongoStore) SetLink(ctx context.Context, chatID, hub int64) error {
	c, err := s.coll(linkDoc{})
	if err != nil {
		return err
	}
	_, err = c.ReplaceOne(ctx, bson.M{"_id": chatID}, linkDoc{ChatID: chatID, HubID: hub}, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapMsg(err, "save federation link", "chat_id", chatID)
	}
	return nil
}

func (s *MongoStore) ClearLink(ctx context.Context, chatID int64) error {
	c, err := s.coll(linkDoc{})
	if err != nil {
		return err
	}
	if _, err := c.DeleteOne(ctx, bson.M{"_id": chatID}); err != nil {
		return errs.WrapMsg(err, "delete federation link", "chat_id", chatID)
	}
	return nil
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*MongoStore)(nil)
)
