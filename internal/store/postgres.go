package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"neighborly/api/internal/model"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const requestColumns = `id, title, description, category, reward, requester_id, helper_id, status, lat, lng, geohash, address::text, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (model.Request, error) {
	var (
		item     model.Request
		category string
		status   string
		reward   sql.NullString
		helper   sql.NullString
		address  sql.NullString
	)
	if err := row.Scan(
		&item.ID, &item.Title, &item.Description, &category, &reward, &item.RequesterID, &helper,
		&status, &item.Location.Lat, &item.Location.Lng, &item.Geohash, &address, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return model.Request{}, err
	}
	item.Category = model.Category(category)
	item.Status = model.Status(status)
	if reward.Valid {
		item.Reward = model.StringPtr(reward.String)
	}
	if helper.Valid {
		item.HelperID = model.StringPtr(helper.String)
	}
	if address.Valid {
		var decoded model.Address
		if err := json.Unmarshal([]byte(address.String), &decoded); err != nil {
			return model.Request{}, fmt.Errorf("decode address: %w", err)
		}
		item.Address = &decoded
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func encodeAddress(address *model.Address) (sql.NullString, error) {
	if address == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(address)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode address: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (s *PostgresStore) InsertRequest(ctx context.Context, r model.Request) (model.Request, error) {
	item := prepareInsert(r, s.now(), microPrecision)
	address, err := encodeAddress(item.Address)
	if err != nil {
		return model.Request{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO help_requests (id, title, description, category, reward, requester_id, helper_id, status, lat, lng, geohash, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)
	`, item.ID, item.Title, item.Description, string(item.Category), nullString(item.Reward), item.RequesterID, nullString(item.HelperID),
		string(item.Status), item.Location.Lat, item.Location.Lng, item.Geohash, address, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return model.Request{}, fmt.Errorf("insert request: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (model.Request, error) {
	item, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM help_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Request{}, fmt.Errorf("get request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return item, nil
}

// buildRequestQuery turns a Filter into a WHERE clause with positional args.
func buildRequestQuery(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, arg(string(status)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ParticipantID != "" {
		p := arg(filter.ParticipantID)
		clauses = append(clauses, "(requester_id = "+p+" OR helper_id = "+p+")")
	}
	if b := filter.Bounds; b != nil {
		clauses = append(clauses, "lat BETWEEN "+arg(b.South)+" AND "+arg(b.North))
		if b.CrossesAntimeridian() {
			clauses = append(clauses, "(lng >= "+arg(b.West)+" OR lng <= "+arg(b.East)+")")
		} else {
			clauses = append(clauses, "lng BETWEEN "+arg(b.West)+" AND "+arg(b.East))
		}
	}
	if len(filter.GeohashPrefixes) > 0 {
		likes := make([]string, 0, len(filter.GeohashPrefixes))
		for _, prefix := range filter.GeohashPrefixes {
			likes = append(likes, "geohash LIKE "+arg(prefix+"%"))
		}
		clauses = append(clauses, "("+strings.Join(likes, " OR ")+")")
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		p := arg("%" + escapeLike(text) + "%")
		clauses = append(clauses, "(title ILIKE "+p+" OR description ILIKE "+p+")")
	}

	query := `SELECT ` + requestColumns + ` FROM help_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.NewestFirst {
		query += " ORDER BY created_at DESC, id ASC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}
	if limit := filter.limit(); limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	return query, args
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter Filter) ([]model.Request, error) {
	query, args := buildRequestQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]model.Request, 0)
	for rows.Next() {
		item, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return items, nil
}

// lockRequest reads id with a row lock held until tx ends.
func lockRequest(ctx context.Context, tx *sql.Tx, id string) (model.Request, error) {
	item, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM help_requests WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Request{}, ErrNotFound
	}
	return item, err
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, id string, mutate MutateFunc) (model.Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Request{}, fmt.Errorf("begin update %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRequest(ctx, tx, id)
	if err != nil {
		return model.Request{}, fmt.Errorf("update request %s: %w", id, err)
	}
	next, err := mutate(current.Clone())
	if err != nil {
		return model.Request{}, err
	}
	item := prepareUpdate(current, next, s.now(), microPrecision)
	address, err := encodeAddress(item.Address)
	if err != nil {
		return model.Request{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE help_requests
		SET title=$2, description=$3, category=$4, reward=$5, helper_id=$6, status=$7,
		    lat=$8, lng=$9, geohash=$10, address=$11::jsonb, updated_at=$12
		WHERE id=$1
	`, item.ID, item.Title, item.Description, string(item.Category), nullString(item.Reward), nullString(item.HelperID),
		string(item.Status), item.Location.Lat, item.Location.Lng, item.Geohash, address, item.UpdatedAt); err != nil {
		return model.Request{}, fmt.Errorf("update request %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Request{}, fmt.Errorf("commit update %s: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id string, check CheckFunc) (model.Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Request{}, fmt.Errorf("begin delete %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRequest(ctx, tx, id)
	if err != nil {
		return model.Request{}, fmt.Errorf("delete request %s: %w", id, err)
	}
	if check != nil {
		if err := check(current.Clone()); err != nil {
			return model.Request{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM help_requests WHERE id=$1`, id); err != nil {
		return model.Request{}, fmt.Errorf("delete request %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Request{}, fmt.Errorf("commit delete %s: %w", id, err)
	}
	return current, nil
}

const promptColumns = `id, user_id, request_id, request_title, reviewee_id, consumed, created_at`

func scanPrompt(row rowScanner) (model.ReviewPrompt, error) {
	var prompt model.ReviewPrompt
	if err := row.Scan(&prompt.ID, &prompt.UserID, &prompt.RequestID, &prompt.RequestTitle, &prompt.RevieweeID, &prompt.Consumed, &prompt.CreatedAt); err != nil {
		return model.ReviewPrompt{}, err
	}
	prompt.CreatedAt = prompt.CreatedAt.UTC()
	return prompt, nil
}

func (s *PostgresStore) InsertReviewPrompt(ctx context.Context, p model.ReviewPrompt) (model.ReviewPrompt, bool, error) {
	createdAt := s.now().UTC().Truncate(time.Microsecond)
	prompt, err := scanPrompt(s.db.QueryRowContext(ctx, `
		INSERT INTO review_prompts (id, user_id, request_id, request_title, reviewee_id, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (user_id, request_id) DO NOTHING
		RETURNING `+promptColumns,
		p.ID, p.UserID, p.RequestID, p.RequestTitle, p.RevieweeID, createdAt))
	if err == nil {
		return prompt, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ReviewPrompt{}, false, fmt.Errorf("insert review prompt: %w", err)
	}
	existing, err := scanPrompt(s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM review_prompts WHERE user_id=$1 AND request_id=$2`, p.UserID, p.RequestID))
	if err != nil {
		return model.ReviewPrompt{}, false, fmt.Errorf("lookup existing review prompt: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetReviewPrompt(ctx context.Context, id string) (model.ReviewPrompt, error) {
	prompt, err := scanPrompt(s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM review_prompts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReviewPrompt{}, fmt.Errorf("get review prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("get review prompt %s: %w", id, err)
	}
	return prompt, nil
}

func (s *PostgresStore) ListReviewPrompts(ctx context.Context, userID string, includeConsumed bool) ([]model.ReviewPrompt, error) {
	query := `SELECT ` + promptColumns + ` FROM review_prompts WHERE user_id=$1`
	if !includeConsumed {
		query += ` AND consumed = FALSE`
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list review prompts: %w", err)
	}
	defer rows.Close()

	items := make([]model.ReviewPrompt, 0)
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review prompt: %w", err)
		}
		items = append(items, prompt)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkReviewPromptConsumed(ctx context.Context, id string) (model.ReviewPrompt, error) {
	prompt, err := scanPrompt(s.db.QueryRowContext(ctx, `
		UPDATE review_prompts SET consumed = TRUE WHERE id=$1
		RETURNING `+promptColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt %s: %w", id, err)
	}
	return prompt, nil
}
