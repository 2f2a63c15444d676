package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fdip/backend/internal/models"
	"github.com/go-redis/redis/v8"
)

const chapterCacheTTL = 10 * time.Minute

// SQLChapterDirectory reads chapter ownership from the catalogue tables and
// caches it in a Redis hash per chapter. Redis is optional.
type SQLChapterDirectory struct {
	db    *sql.DB
	redis *redis.Client
}

func NewSQLChapterDirectory(db *sql.DB, redisClient *redis.Client) *SQLChapterDirectory {
	return &SQLChapterDirectory{db: db, redis: redisClient}
}

func chapterKey(chapterID string) string {
	return fmt.Sprintf("chapter:%s", chapterID)
}

// AuthorOf returns the author of a published, public chapter.
func (d *SQLChapterDirectory) AuthorOf(ctx context.Context, chapterID string) (string, models.Role, error) {
	if chapterID == "" {
		return "", "", fmt.Errorf("%w: empty chapter id", ErrNotFound)
	}

	if d.redis != nil {
		cached, err := d.redis.HGetAll(ctx, chapterKey(chapterID)).Result()
		if err == nil && cached["author_id"] != "" {
			return cached["author_id"], models.Role(cached["role"]), nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("[CHAPTERS] Cache read failed for %s: %v", chapterID, err)
		}
	}

	var authorID, role string
	err := d.db.QueryRowContext(ctx, `
		SELECT c.author_id, COALESCE(a.role, 'author')
		FROM chapters c
		LEFT JOIN accounts a ON a.id = c.author_id
		WHERE c.id = $1 AND c.is_published = TRUE AND c.is_private = FALSE`,
		chapterID).Scan(&authorID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: chapter %s is not available for tipping", ErrNotFound, chapterID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve chapter %s: %w", chapterID, err)
	}

	if d.redis != nil {
		key := chapterKey(chapterID)
		if err := d.redis.HSet(ctx, key, "author_id", authorID, "role", role).Err(); err != nil {
			log.Printf("[CHAPTERS] Cache write failed for %s: %v", chapterID, err)
		} else {
			d.redis.Expire(ctx, key, chapterCacheTTL)
		}
	}
	return authorID, models.Role(role), nil
}
