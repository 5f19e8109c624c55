package policy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"joingate/data/database"
	"joingate/service/mgo"
	"joingate/tools/errs"
)

// groupPolicyDoc is the stored form. BSON map keys must be strings.
type groupPolicyDoc struct {
	ChatID         int64            `bson:"_id"`
	Title          string           `bson:"title,omitempty"`
	WelcomeMessage *string          `bson:"welcome_message,omitempty"`
	RulesMessage   *string          `bson:"rules_message,omitempty"`
	Allowlist      []int64          `bson:"allowlist,omitempty"`
	Denylist       []int64          `bson:"denylist,omitempty"`
	VerifiedUsers  map[string]int64 `bson:"verified_users,omitempty"`
	UpdatedAt      time.Time        `bson:"updated_at"`
}

func (d *groupPolicyDoc) GetTableName() string {
	return "group_policies"
}

func (d *groupPolicyDoc) toPolicy() *GroupPolicy {
	p := Default(d.ChatID)
	p.Title = d.Title
	if d.WelcomeMessage != nil {
		p.WelcomeMessage = *d.WelcomeMessage
	}
	if d.RulesMessage != nil {
		p.RulesMessage = *d.RulesMessage
	}
	if d.Allowlist != nil {
		p.Allowlist = d.Allowlist
	}
	if d.Denylist != nil {
		p.Denylist = d.Denylist
	}
	for k, v := range d.VerifiedUsers {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			p.VerifiedUsers[id] = v
		}
	}
	return p
}

// MongoStore keeps one document per chat, keyed by chat id.
type MongoStore struct {
	db  mgo.DBProvider
	now func() time.Time
}

func NewMongoStore(db mgo.DBProvider) *MongoStore {
	return &MongoStore{db: db, now: time.Now}
}

func (s *MongoStore) coll() (*mongo.Collection, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	return database.Collection(db, &groupPolicyDoc{}), nil
}

func (s *MongoStore) Read(ctx context.Context, chatID int64) (*GroupPolicy, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	var doc groupPolicyDoc
	err = c.FindOne(ctx, bson.M{"_id": chatID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Default(chatID), nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find group policy", "chat_id", chatID)
	}
	return doc.toPolicy(), nil
}

func (s *MongoStore) Write(ctx context.Context, chatID int64, patch Patch) (*GroupPolicy, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	set := bson.M{"updated_at": s.now()}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.WelcomeMessage != nil {
		set["welcome_message"] = *patch.WelcomeMessage
	}
	if patch.RulesMessage != nil {
		set["rules_message"] = *patch.RulesMessage
	}
	if patch.SetAllowlist {
		set["allowlist"] = nonNil(patch.Allowlist)
	}
	if patch.SetDenylist {
		set["denylist"] = nonNil(patch.Denylist)
	}
	if patch.SetVerifiedUsers {
		verified := make(map[string]int64, len(patch.VerifiedUsers))
		for k, v := range patch.VerifiedUsers {
			verified[strconv.FormatInt(k, 10)] = v
		}
		set["verified_users"] = verified
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc groupPolicyDoc
	err = c.FindOneAndUpdate(ctx, bson.M{"_id": chatID}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		return nil, errs.WrapMsg(err, "update group policy", "chat_id", chatID)
	}
	return doc.toPolicy(), nil
}

func nonNil(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
