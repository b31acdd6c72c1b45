package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes every cache key in Redis.
const RedisKeyPrefix = "tryon:cache:"

// RedisEntries stores entries as JSON strings with SET EX.
type RedisEntries struct {
	client redis.UniversalClient
}

var _ EntryStore = (*RedisEntries)(nil)

// NewRedisEntries wraps client.
func NewRedisEntries(client redis.UniversalClient) *RedisEntries {
	return &RedisEntries{client: client}
}

func (s *RedisEntries) Get(ctx context.Context, fp string) (*Entry, error) {
	raw, err := s.client.Get(ctx, RedisKeyPrefix+fp).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", fp, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", fp, err)
	}
	return &e, nil
}

func (s *RedisEntries) Put(ctx context.Context, fp string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", fp, err)
	}
	if err := s.client.Set(ctx, RedisKeyPrefix+fp, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", fp, err)
	}
	return nil
}

func (s *RedisEntries) Delete(ctx context.Context, fp string) error {
	if err := s.client.Del(ctx, RedisKeyPrefix+fp).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", fp, err)
	}
	return nil
}

// DynamoAPI is the subset of the DynamoDB client DynamoEntries uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	cachePKPrefix = "CACHE#"
	skResult      = "RESULT"
)

// dynamoEntry is the stored item shape.
type dynamoEntry struct {
	Entry
	ExpiresAt int64 `dynamodbav:"expiresAt"`
}

// DynamoEntries stores entries in the shared table. DynamoDB TTL deletes
// lazily, so Get also checks expiresAt.
type DynamoEntries struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

var _ EntryStore = (*DynamoEntries)(nil)

// NewDynamoEntries creates a store on tableName.
func NewDynamoEntries(client DynamoAPI, tableName string) *DynamoEntries {
	return &DynamoEntries{client: client, tableName: tableName, now: time.Now}
}

func cacheKey(fp string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: cachePKPrefix + fp},
		"SK": &types.AttributeValueMemberS{Value: skResult},
	}
}

func (s *DynamoEntries) Get(ctx context.Context, fp string) (*Entry, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: &s.tableName, Key: cacheKey(fp)})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s%s: %w", cachePKPrefix, fp, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var item dynamoEntry
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s%s: %w", cachePKPrefix, fp, err)
	}
	if item.ExpiresAt <= s.now().Unix() {
		return nil, nil
	}
	return &item.Entry, nil
}

func (s *DynamoEntries) Put(ctx context.Context, fp string, e Entry, ttl time.Duration) error {
	item, err := attributevalue.MarshalMap(dynamoEntry{Entry: e, ExpiresAt: s.now().Add(ttl).Unix()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	for k, v := range cacheKey(fp) {
		item[k] = v
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("PutItem PK=%s%s: %w", cachePKPrefix, fp, err)
	}
	return nil
}

func (s *DynamoEntries) Delete(ctx context.Context, fp string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &s.tableName, Key: cacheKey(fp)}); err != nil {
		return fmt.Errorf("DeleteItem PK=%s%s: %w", cachePKPrefix, fp, err)
	}
	return nil
}

// MemoryEntries keeps entries in process memory.
type MemoryEntries struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	entry   Entry
	expires time.Time
}

var _ EntryStore = (*MemoryEntries)(nil)

// NewMemoryEntries returns an empty store.
func NewMemoryEntries() *MemoryEntries {
	return &MemoryEntries{now: time.Now, entries: make(map[string]memEntry)}
}

func (s *MemoryEntries) Get(_ context.Context, fp string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[fp]
	if !ok || !s.now().Before(m.expires) {
		return nil, nil
	}
	e := m.entry
	return &e, nil
}

func (s *MemoryEntries) Put(_ context.Context, fp string, e Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = memEntry{entry: e, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryEntries) Delete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}
