// Package mongostore implements the store repositories on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	schedulesCollection = "schedules"
	accountsCollection  = "connected_accounts"
)

// Connect opens a client and returns the named database.
func Connect(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, client.Database(database), nil
}

// EnsureIndexes creates the indexes the repositories query by.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(schedulesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "publishId", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "publishId", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledAt", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("schedules indexes: %w", err)
	}
	_, err = db.Collection(accountsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "platform", Value: 1}, {Key: "openId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "openId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("accounts indexes: %w", err)
	}
	return nil
}

type Schedules struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewSchedules(db *mongo.Database) *Schedules {
	return &Schedules{coll: db.Collection(schedulesCollection), now: time.Now}
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]models.ScheduleRecord, error) {
	defer cur.Close(ctx)
	out := make([]models.ScheduleRecord, 0)
	for cur.Next(ctx) {
		var r models.ScheduleRecord
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *Schedules) exists(ctx context.Context, filter bson.D) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *Schedules) Create(ctx context.Context, rec *models.ScheduleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, rec)
	return err
}

func (s *Schedules) Get(ctx context.Context, id string) (*models.ScheduleRecord, error) {
	var r models.ScheduleRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Schedules) ListByUser(ctx context.Context, userID string, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.coll.Find(ctx, bson.D{{Key: "userId", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur)
}

func editableStatuses() bson.A {
	out := bson.A{}
	for _, st := range models.AllStatuses {
		if st.UserEditable() {
			out = append(out, string(st))
		}
	}
	return out
}

func (s *Schedules) Update(ctx context.Context, rec *models.ScheduleRecord) error {
	filter := bson.D{
		{Key: "_id", Value: rec.ID},
		{Key: "userId", Value: rec.UserID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: editableStatuses()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "caption", Value: rec.Caption},
		{Key: "videoUrl", Value: rec.VideoURL},
		{Key: "thumbnailUrl", Value: rec.ThumbnailURL},
		{Key: "platforms", Value: rec.Platforms},
		{Key: "mediaType", Value: rec.MediaType},
		{Key: "videoId", Value: rec.VideoID},
		{Key: "tiktokSettings", Value: rec.TikTokSettings},
		{Key: "scheduledAt", Value: rec.ScheduledAt},
		{Key: "status", Value: string(rec.Status)},
		{Key: "updatedAt", Value: s.now().UTC()},
	}}}
	var updated models.ScheduleRecord
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		ok, e2 := s.exists(ctx, bson.D{{Key: "_id", Value: rec.ID}, {Key: "userId", Value: rec.UserID}})
		if e2 != nil {
			return e2
		}
		if !ok {
			return store.ErrNotFound
		}
		return store.ErrNotEditable
	}
	if err != nil {
		return err
	}
	*rec = updated
	return nil
}

func (s *Schedules) Delete(ctx context.Context, userID, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "userId", Value: userID}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Schedules) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	cur, err := s.coll.Find(ctx, bson.D{
		{Key: "status", Value: string(models.StatusScheduled)},
		{Key: "scheduledAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}, options.Find().SetSort(bson.D{{Key: "scheduledAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur)
}

func (s *Schedules) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: string(models.StatusScheduled)}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(models.StatusQueued)},
			{Key: "updatedAt", Value: now.UTC()},
		}}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *Schedules) MarkPublished(ctx context.Context, id string, pub store.Publication) error {
	set := bson.D{
		{Key: "status", Value: string(models.StatusPublished)},
		{Key: "publishId", Value: pub.PublishID},
		{Key: "publishedAt", Value: pub.At.UTC()},
		{Key: "lastEventAt", Value: pub.At.UTC()},
		{Key: "updatedAt", Value: pub.At.UTC()},
	}
	if pub.TikTokURL != "" {
		set = append(set, bson.E{Key: "tiktokUrl", Value: pub.TikTokURL})
	}
	if pub.AccountID != "" {
		set = append(set, bson.E{Key: "accountId", Value: pub.AccountID})
	}
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{
		{Key: "$set", Value: set},
		{Key: "$unset", Value: bson.D{{Key: "lastError", Value: ""}}},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Schedules) MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(models.StatusQueued)},
		{Key: "publishId", Value: nil},
	}
	res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(models.StatusFailed)},
		{Key: "lastError", Value: lastError},
		{Key: "updatedAt", Value: at.UTC()},
	}}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *Schedules) FindByPublishID(ctx context.Context, publishID string) (*models.ScheduleRecord, error) {
	if publishID == "" {
		return nil, store.ErrNotFound
	}
	var r models.ScheduleRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "publishId", Value: publishID}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Schedules) ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	filter := bson.D{{Key: "updatedAt", Value: bson.D{{Key: "$gte", Value: since}}}}
	if userID != "" {
		filter = append(filter, bson.E{Key: "userId", Value: userID})
	}
	cur, err := s.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur)
}

func statusArray(statuses []models.Status) bson.A {
	out := make(bson.A, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

// literal keeps pipeline updates from reading a leading "$" as a field path.
func literal(v string) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func (s *Schedules) ApplyStatus(ctx context.Context, id string, upd store.StatusUpdate) (bool, error) {
	at := upd.EventAt.UTC()
	filter := bson.D{{Key: "_id", Value: id}}
	guards := bson.A{}
	if len(upd.AllowedFrom) > 0 {
		from := bson.A{bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: statusArray(upd.AllowedFrom)}}}}}
		if len(upd.NewerFrom) > 0 {
			from = append(from, bson.D{
				{Key: "status", Value: bson.D{{Key: "$in", Value: statusArray(upd.NewerFrom)}}},
				{Key: "lastEventAt", Value: bson.D{{Key: "$lt", Value: at}}},
			})
		}
		guards = append(guards, bson.D{{Key: "$or", Value: from}})
	}
	if upd.RejectStale {
		guards = append(guards, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "lastEventAt", Value: nil}},
			bson.D{{Key: "lastEventAt", Value: bson.D{{Key: "$lte", Value: at}}}},
		}}})
	}
	if len(guards) > 0 {
		filter = append(filter, bson.E{Key: "$and", Value: guards})
	}

	set := bson.D{
		{Key: "status", Value: string(upd.Status)},
		{Key: "lastEventAt", Value: at},
		{Key: "updatedAt", Value: s.now().UTC()},
	}
	if upd.TikTokURL != "" {
		set = append(set, bson.E{Key: "tiktokUrl", Value: literal(upd.TikTokURL)})
	}
	pipeline := mongo.Pipeline{}
	switch upd.Status {
	case models.StatusPublished:
		set = append(set, bson.E{Key: "publishedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$publishedAt", at}}}})
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: set}}, bson.D{{Key: "$unset", Value: "lastError"}})
	case models.StatusFailed:
		set = append(set, bson.E{Key: "lastError", Value: literal(upd.LastError)})
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: set}})
	default:
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: set}})
	}

	res, err := s.coll.UpdateOne(ctx, filter, pipeline)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	ok, err := s.exists(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

// FailStaleClaims re-checks the stale predicate per record so a claim that got its
// publishId between the scan and the update is left alone.
func (s *Schedules) FailStaleClaims(ctx context.Context, before time.Time, lastError string) ([]models.ScheduleRecord, error) {
	stale := bson.D{
		{Key: "status", Value: string(models.StatusQueued)},
		{Key: "publishId", Value: nil},
		{Key: "updatedAt", Value: bson.D{{Key: "$lt", Value: before}}},
	}
	cur, err := s.coll.Find(ctx, stale, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	candidates, err := decodeAll(ctx, cur)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScheduleRecord, 0, len(candidates))
	for _, c := range candidates {
		filter := append(bson.D{{Key: "_id", Value: c.ID}}, stale...)
		var r models.ScheduleRecord
		err := s.coll.FindOneAndUpdate(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(models.StatusFailed)},
			{Key: "lastError", Value: lastError},
			{Key: "updatedAt", Value: s.now().UTC()},
		}}}, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

type Accounts struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewAccounts(db *mongo.Database) *Accounts {
	return &Accounts{coll: db.Collection(accountsCollection), now: time.Now}
}

func (a *Accounts) Upsert(ctx context.Context, acc *models.ConnectedAccount) error {
	now := a.now().UTC()
	newID := acc.ID
	if newID == "" {
		newID = uuid.NewString()
	}
	set := bson.D{
		{Key: "username", Value: acc.Username},
		{Key: "displayName", Value: acc.DisplayName},
		{Key: "accessToken", Value: acc.AccessTokenCipher},
		{Key: "scope", Value: acc.Scope},
		{Key: "expiresAt", Value: acc.ExpiresAt},
		{Key: "refreshExpiresAt", Value: acc.RefreshExpiresAt},
		{Key: "active", Value: true},
		{Key: "updatedAt", Value: now},
	}
	if acc.RefreshTokenCipher != "" {
		set = append(set, bson.E{Key: "refreshToken", Value: acc.RefreshTokenCipher})
	}
	filter := bson.D{
		{Key: "userId", Value: acc.UserID},
		{Key: "platform", Value: acc.Platform},
		{Key: "openId", Value: acc.OpenID},
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: newID}, {Key: "createdAt", Value: now}}},
	}
	var saved models.ConnectedAccount
	err := a.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&saved)
	if err != nil {
		return err
	}
	*acc = saved
	return nil
}

func (a *Accounts) findOne(ctx context.Context, filter bson.D, opts ...*options.FindOneOptions) (*models.ConnectedAccount, error) {
	var acc models.ConnectedAccount
	err := a.coll.FindOne(ctx, filter, opts...).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (a *Accounts) GetActive(ctx context.Context, userID, accountID string) (*models.ConnectedAccount, error) {
	return a.findOne(ctx, bson.D{
		{Key: "_id", Value: accountID},
		{Key: "userId", Value: userID},
		{Key: "active", Value: true},
	})
}

func (a *Accounts) FindByOpenID(ctx context.Context, openID string) (*models.ConnectedAccount, error) {
	return a.findOne(ctx, bson.D{{Key: "openId", Value: openID}, {Key: "active", Value: true}},
		options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
}

func (a *Accounts) ListByUser(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	cur, err := a.coll.Find(ctx, bson.D{{Key: "userId", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]models.ConnectedAccount, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Accounts) Deactivate(ctx context.Context, userID, accountID string) error {
	res, err := a.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: accountID}, {Key: "userId", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}, {Key: "updatedAt", Value: a.now().UTC()}}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Accounts) UpdateTokens(ctx context.Context, accountID, accessCipher, refreshCipher string, expiresAt, refreshExpiresAt *time.Time) error {
	set := bson.D{
		{Key: "accessToken", Value: accessCipher},
		{Key: "expiresAt", Value: expiresAt},
		{Key: "updatedAt", Value: a.now().UTC()},
	}
	if refreshCipher != "" {
		set = append(set, bson.E{Key: "refreshToken", Value: refreshCipher})
	}
	if refreshExpiresAt != nil {
		set = append(set, bson.E{Key: "refreshExpiresAt", Value: refreshExpiresAt})
	}
	res, err := a.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: accountID}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

var (
	_ store.Schedules = (*Schedules)(nil)
	_ store.Accounts  = (*Accounts)(nil)
)
