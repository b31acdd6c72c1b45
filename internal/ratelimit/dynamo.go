package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB key layout for counters and flags. expiresAt doubles as the
// table's TTL attribute, but TTL deletion is lazy so every read and
// condition also compares it against the current time.
const (
	ratePKPrefix = "RATE#"
	flagPKPrefix = "FLAG#"
	skWindow     = "WINDOW"
	skFlag       = "FLAG"

	condIncrLive    = "attribute_exists(PK) AND #e > :now"
	condAdmitLive   = "attribute_exists(PK) AND #e > :now AND #c < :max"
	condStartWindow = "attribute_not_exists(PK) OR #e <= :now"
)

// DynamoAPI is the subset of the DynamoDB client the counter uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoCounter is a Counter backed by conditional writes on a DynamoDB
// table. A window is bumped with a conditional UpdateItem while it is live
// and started with a conditional PutItem when it is absent or expired; a
// lost race on either write re-reads through the other.
type DynamoCounter struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

var _ Counter = (*DynamoCounter)(nil)

// NewDynamoCounter creates a DynamoCounter on tableName.
func NewDynamoCounter(client DynamoAPI, tableName string) *DynamoCounter {
	return &DynamoCounter{client: client, tableName: tableName, now: time.Now}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// bump increments a live window (bounded by limit when limit > 0) or
// starts a new one. It returns the new count, or 0 when a bounded window
// is full.
func (c *DynamoCounter) bump(ctx context.Context, pk string, limit int, window time.Duration) (int64, error) {
	for range 2 {
		now := c.now().Unix()

		cond := condIncrLive
		values := map[string]types.AttributeValue{
			":one": num(1),
			":now": num(now),
		}
		names := map[string]string{"#c": "count", "#e": "expiresAt"}
		if limit > 0 {
			cond = condAdmitLive
			values[":max"] = num(int64(limit))
		}
		out, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 &c.tableName,
			Key:                       key(pk, skWindow),
			UpdateExpression:          aws.String("ADD #c :one"),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueUpdatedNew,
		})
		if err == nil {
			n, ok := out.Attributes["count"].(*types.AttributeValueMemberN)
			if !ok {
				return 0, fmt.Errorf("UpdateItem PK=%s: count missing from result", pk)
			}
			return strconv.ParseInt(n.Value, 10, 64)
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("UpdateItem PK=%s: %w", pk, err)
		}

		item := key(pk, skWindow)
		item["count"] = num(1)
		item["expiresAt"] = num(now + windowSeconds(window))
		_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 &c.tableName,
			Item:                      item,
			ConditionExpression:       aws.String(condStartWindow),
			ExpressionAttributeNames:  map[string]string{"#e": "expiresAt"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":now": num(now)},
		})
		if err == nil {
			return 1, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("PutItem PK=%s: %w", pk, err)
		}
		// A live window exists: either it is full or another writer just
		// started it. One more pass tells the two apart.
	}
	if limit > 0 {
		return 0, nil
	}
	return 0, fmt.Errorf("counter %s: write contention", pk)
}

func (c *DynamoCounter) Admit(ctx context.Context, k string, max int, window time.Duration) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	n, err := c.bump(ctx, ratePKPrefix+k, max, window)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *DynamoCounter) Incr(ctx context.Context, k string, window time.Duration) (int64, error) {
	return c.bump(ctx, ratePKPrefix+k, 0, window)
}

func (c *DynamoCounter) SetFlag(ctx context.Context, name string, ttl time.Duration) error {
	item := key(flagPKPrefix+name, skFlag)
	item["expiresAt"] = num(c.now().Add(ttl).Unix())
	if _, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &c.tableName, Item: item}); err != nil {
		return fmt.Errorf("PutItem PK=%s%s: %w", flagPKPrefix, name, err)
	}
	return nil
}

func (c *DynamoCounter) Flag(ctx context.Context, name string) (bool, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &c.tableName,
		Key:            key(flagPKPrefix+name, skFlag),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s%s: %w", flagPKPrefix, name, err)
	}
	exp, ok := out.Item["expiresAt"].(*types.AttributeValueMemberN)
	if !ok {
		return false, nil
	}
	ts, err := strconv.ParseInt(exp.Value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("flag %s: bad expiresAt %q", name, exp.Value)
	}
	return ts > c.now().Unix(), nil
}
