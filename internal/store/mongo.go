package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"neighborly/api/internal/model"
)

const (
	RequestCollection      = "help_requests"
	ReviewPromptCollection = "review_prompts"

	// casAttempts bounds the optimistic retry loop of one update.
	casAttempts = 16
)

type requestDoc struct {
	ID          string         `bson:"_id"`
	Title       string         `bson:"title"`
	Description string         `bson:"description"`
	Category    string         `bson:"category"`
	Reward      *string        `bson:"reward,omitempty"`
	RequesterID string         `bson:"requester_id"`
	HelperID    *string        `bson:"helper_id"`
	Status      string         `bson:"status"`
	Lat         float64        `bson:"lat"`
	Lng         float64        `bson:"lng"`
	Geohash     string         `bson:"geohash"`
	Address     *model.Address `bson:"address,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	Version     int64          `bson:"version"`
}

func toRequestDoc(r model.Request, version int64) requestDoc {
	return requestDoc{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    string(r.Category),
		Reward:      r.Reward,
		RequesterID: r.RequesterID,
		HelperID:    r.HelperID,
		Status:      string(r.Status),
		Lat:         r.Location.Lat,
		Lng:         r.Location.Lng,
		Geohash:     r.Geohash,
		Address:     r.Address,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Version:     version,
	}
}

func (d requestDoc) request() model.Request {
	return model.Request{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Category:    model.Category(d.Category),
		Reward:      d.Reward,
		RequesterID: d.RequesterID,
		HelperID:    d.HelperID,
		Status:      model.Status(d.Status),
		Location:    model.Location{Lat: d.Lat, Lng: d.Lng},
		Geohash:     d.Geohash,
		Address:     d.Address,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

type promptDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	RequestID    string    `bson:"request_id"`
	RequestTitle string    `bson:"request_title"`
	RevieweeID   string    `bson:"reviewee_id"`
	Consumed     bool      `bson:"consumed"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d promptDoc) prompt() model.ReviewPrompt {
	return model.ReviewPrompt{
		ID:           d.ID,
		UserID:       d.UserID,
		RequestID:    d.RequestID,
		RequestTitle: d.RequestTitle,
		RevieweeID:   d.RevieweeID,
		Consumed:     d.Consumed,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

// MongoStore keeps requests as versioned documents. Updates are
// compare-and-swap on the version field, retried a bounded number of times.
type MongoStore struct {
	Client   *mongo.Client
	Database *mongo.Database
	now      func() time.Time
}

func OpenMongo(ctx context.Context, connectionString, dbName string) (*MongoStore, error) {
	opts := options.Client().ApplyURI(connectionString)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoStore(client, dbName), nil
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{Client: client, Database: client.Database(dbName), now: time.Now}
}

func (s *MongoStore) requests() *mongo.Collection {
	return s.Database.Collection(RequestCollection)
}

func (s *MongoStore) prompts() *mongo.Collection {
	return s.Database.Collection(ReviewPromptCollection)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes lookups and uniqueness rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.requests().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.M{"requester_id": 1}},
		{Keys: bson.M{"helper_id": 1}},
		{Keys: bson.M{"geohash": 1}},
	}); err != nil {
		return fmt.Errorf("index %s: %w", RequestCollection, err)
	}
	if _, err := s.prompts().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("index %s: %w", ReviewPromptCollection, err)
	}
	return nil
}

func (s *MongoStore) InsertRequest(ctx context.Context, r model.Request) (model.Request, error) {
	item := prepareInsert(r, s.now(), milliPrecision)
	if _, err := s.requests().InsertOne(ctx, toRequestDoc(item, 1)); err != nil {
		return model.Request{}, fmt.Errorf("insert request: %w", err)
	}
	return item, nil
}

func (s *MongoStore) loadRequest(ctx context.Context, id string) (requestDoc, error) {
	var doc requestDoc
	err := s.requests().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return requestDoc{}, ErrNotFound
	}
	return doc, err
}

func (s *MongoStore) GetRequest(ctx context.Context, id string) (model.Request, error) {
	doc, err := s.loadRequest(ctx, id)
	if err != nil {
		return model.Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return doc.request(), nil
}

func mongoRequestFilter(filter Filter) bson.M {
	var and []bson.M
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		and = append(and, bson.M{"status": bson.M{"$in": statuses}})
	}
	if filter.ParticipantID != "" {
		and = append(and, bson.M{"$or": []bson.M{
			{"requester_id": filter.ParticipantID},
			{"helper_id": filter.ParticipantID},
		}})
	}
	if b := filter.Bounds; b != nil {
		and = append(and, bson.M{"lat": bson.M{"$gte": b.South, "$lte": b.North}})
		if b.CrossesAntimeridian() {
			and = append(and, bson.M{"$or": []bson.M{
				{"lng": bson.M{"$gte": b.West}},
				{"lng": bson.M{"$lte": b.East}},
			}})
		} else {
			and = append(and, bson.M{"lng": bson.M{"$gte": b.West, "$lte": b.East}})
		}
	}
	if len(filter.GeohashPrefixes) > 0 {
		quoted := make([]string, 0, len(filter.GeohashPrefixes))
		for _, prefix := range filter.GeohashPrefixes {
			quoted = append(quoted, regexp.QuoteMeta(prefix))
		}
		and = append(and, bson.M{"geohash": bson.M{"$regex": "^(" + strings.Join(quoted, "|") + ")"}})
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(text), "$options": "i"}
		and = append(and, bson.M{"$or": []bson.M{
			{"title": pattern},
			{"description": pattern},
		}})
	}
	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

func (s *MongoStore) ListRequests(ctx context.Context, filter Filter) ([]model.Request, error) {
	order := 1
	if filter.NewestFirst {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: order}, {Key: "_id", Value: 1}})
	if limit := filter.limit(); limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.requests().Find(ctx, mongoRequestFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]model.Request, 0)
	for cursor.Next(ctx) {
		var doc requestDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		items = append(items, doc.request())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return items, nil
}

func (s *MongoStore) UpdateRequest(ctx context.Context, id string, mutate MutateFunc) (model.Request, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := s.loadRequest(ctx, id)
		if err != nil {
			return model.Request{}, fmt.Errorf("update request %s: %w", id, err)
		}
		current := doc.request()
		next, err := mutate(current.Clone())
		if err != nil {
			return model.Request{}, err
		}
		item := prepareUpdate(current, next, s.now(), milliPrecision)

		result, err := s.requests().ReplaceOne(ctx,
			bson.M{"_id": id, "version": doc.Version},
			toRequestDoc(item, doc.Version+1))
		if err != nil {
			return model.Request{}, fmt.Errorf("update request %s: %w", id, err)
		}
		if result.MatchedCount == 1 {
			return item, nil
		}
	}
	return model.Request{}, fmt.Errorf("update request %s: %w", id, ErrContention)
}

func (s *MongoStore) DeleteRequest(ctx context.Context, id string, check CheckFunc) (model.Request, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := s.loadRequest(ctx, id)
		if err != nil {
			return model.Request{}, fmt.Errorf("delete request %s: %w", id, err)
		}
		current := doc.request()
		if check != nil {
			if err := check(current.Clone()); err != nil {
				return model.Request{}, err
			}
		}
		result, err := s.requests().DeleteOne(ctx, bson.M{"_id": id, "version": doc.Version})
		if err != nil {
			return model.Request{}, fmt.Errorf("delete request %s: %w", id, err)
		}
		if result.DeletedCount == 1 {
			return current, nil
		}
	}
	return model.Request{}, fmt.Errorf("delete request %s: %w", id, ErrContention)
}

func (s *MongoStore) InsertReviewPrompt(ctx context.Context, p model.ReviewPrompt) (model.ReviewPrompt, bool, error) {
	doc := promptDoc{
		ID:           p.ID,
		UserID:       p.UserID,
		RequestID:    p.RequestID,
		RequestTitle: p.RequestTitle,
		RevieweeID:   p.RevieweeID,
		CreatedAt:    s.now().UTC().Truncate(milliPrecision),
	}
	_, err := s.prompts().InsertOne(ctx, doc)
	if err == nil {
		return doc.prompt(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return model.ReviewPrompt{}, false, fmt.Errorf("insert review prompt: %w", err)
	}
	var existing promptDoc
	if err := s.prompts().FindOne(ctx, bson.M{"user_id": p.UserID, "request_id": p.RequestID}).Decode(&existing); err != nil {
		return model.ReviewPrompt{}, false, fmt.Errorf("lookup existing review prompt: %w", err)
	}
	return existing.prompt(), false, nil
}

func (s *MongoStore) GetReviewPrompt(ctx context.Context, id string) (model.ReviewPrompt, error) {
	var doc promptDoc
	err := s.prompts().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ReviewPrompt{}, fmt.Errorf("get review prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("get review prompt %s: %w", id, err)
	}
	return doc.prompt(), nil
}

func (s *MongoStore) ListReviewPrompts(ctx context.Context, userID string, includeConsumed bool) ([]model.ReviewPrompt, error) {
	query := bson.M{"user_id": userID}
	if !includeConsumed {
		query["consumed"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.prompts().Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list review prompts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []promptDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode review prompts: %w", err)
	}
	items := make([]model.ReviewPrompt, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.prompt())
	}
	return items, nil
}

func (s *MongoStore) MarkReviewPromptConsumed(ctx context.Context, id string) (model.ReviewPrompt, error) {
	var doc promptDoc
	err := s.prompts().FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"consumed": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt %s: %w", id, err)
	}
	return doc.prompt(), nil
}
