package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"joingate/data/database"
	"joingate/service/mgo"
	"joingate/tools/errs"
)

type warningDoc struct {
	ID         string    `bson:"_id"`
	ChatID     int64     `bson:"chat_id"`
	UserID     int64     `bson:"user_id"`
	Count      int       `bson:"count"`
	LastReason string    `bson:"last_reason,omitempty"`
	UpdatedAt  time.Time `bson:"updated_at"`
	UpdatedBy  int64     `bson:"updated_by,omitempty"`
}

func (warningDoc) GetTableName() string { return "warnings" }

func warningID(chatID, userID int64) string { return fmt.Sprintf("%d:%d", chatID, userID) }

func (d *warningDoc) toWarning() *Warning {
	return &Warning{
		ChatID:     d.ChatID,
		UserID:     d.UserID,
		Count:      d.Count,
		LastReason: d.LastReason,
		UpdatedAt:  d.UpdatedAt,
		UpdatedBy:  d.UpdatedBy,
	}
}

// MongoWarnings updates counters with $inc so concurrent warns do not lose
// increments.
type MongoWarnings struct {
	db mgo.DBProvider
}

func NewMongoWarnings(db mgo.DBProvider) *MongoWarnings { return &MongoWarnings{db: db} }

func (s *MongoWarnings) coll() (*mongo.Collection, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	return database.Collection(db, warningDoc{}), nil
}

func (s *MongoWarnings) Get(ctx context.Context, chatID, userID int64) (*Warning, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	var doc warningDoc
	err = c.FindOne(ctx, bson.M{"_id": warningID(chatID, userID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find warning", "chat_id", chatID, "user_id", userID)
	}
	return doc.toWarning(), nil
}

func (s *MongoWarnings) Increment(ctx context.Context, chatID, userID int64, reason string, by int64, now time.Time) (*Warning, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	set := bson.M{"chat_id": chatID, "user_id": userID, "updated_at": now, "updated_by": by}
	if r := strings.TrimSpace(reason); r != "" {
		set["last_reason"] = r
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc warningDoc
	err = c.FindOneAndUpdate(ctx, bson.M{"_id": warningID(chatID, userID)},
		bson.M{"$inc": bson.M{"count": 1}, "$set": set}, opts).Decode(&doc)
	if err != nil {
		return nil, errs.WrapMsg(err, "increment warning", "chat_id", chatID, "user_id", userID)
	}
	return doc.toWarning(), nil
}

func (s *MongoWarnings) Decrement(ctx context.Context, chatID, userID, by int64, now time.Time) (*Warning, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	id := warningID(chatID, userID)
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc warningDoc
	err = c.FindOneAndUpdate(ctx, bson.M{"_id": id, "count": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"count": -1}, "$set": bson.M{"updated_at": now, "updated_by": by}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "decrement warning", "chat_id", chatID, "user_id", userID)
	}
	if doc.Count <= 0 {
		if _, err := c.DeleteOne(ctx, bson.M{"_id": id, "count": bson.M{"$lte": 0}}); err != nil {
			return nil, errs.WrapMsg(err, "delete warning", "chat_id", chatID, "user_id", userID)
		}
		doc.Count = 0
	}
	return doc.toWarning(), nil
}

var (
	_ WarningStore = (*MemWarnings)(nil)
	_ WarningStore = (*MongoWarnings)(nil)
)
