package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// DynamoDB key constants for the single-table design.
const (
	sessionPrefix = "SESSION#"
	uploadPrefix  = "UPLOAD#"
	userPrefix    = "USER#"
	catalogPrefix = "CATALOG#"
	skMeta        = "META"
	skPrefs       = "PREFS"

	// OwnerIndex is the GSI over (ownerId, createdAt) used for history.
	OwnerIndex = "OwnerIndex"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements SessionStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// --- Internal helpers ---

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// putItem marshals a domain object and writes it with PK and SK. cond is an
// optional condition expression with its placeholders.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data any, cond *condition) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	in := &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}
	if cond != nil {
		in.ConditionExpression = aws.String(cond.expr)
		in.ExpressionAttributeNames = cond.names
		in.ExpressionAttributeValues = cond.values
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

type condition struct {
	expr   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// getItem reads a single item and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// deleteItem removes a single item by PK/SK.
func (s *DynamoStore) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// --- Sessions ---

func (s *DynamoStore) CreateSession(ctx context.Context, session *Session) error {
	now := s.now().UnixMilli()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	err := s.putItem(ctx, sessionPrefix+session.ID, skMeta, session, &condition{
		expr: "attribute_not_exists(PK)",
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	log.Debug().Str("sessionId", session.ID).Str("status", string(session.Status)).Msg("Session persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	found, err := s.getItem(ctx, sessionPrefix+id, skMeta, &session)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

func (s *DynamoStore) TransitionSession(ctx context.Context, id string, from, to tryon.Status, mutate func(*Session)) (*Session, error) {
	if err := tryon.Transition(from, to); err != nil {
		return nil, err
	}
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, tryon.NotFound("Session not found.")
	}
	if session.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, session.Status, from)
	}

	session.Status = to
	if mutate != nil {
		mutate(session)
	}
	session.Status = to
	session.UpdatedAt = s.now().UnixMilli()

	err = s.putItem(ctx, sessionPrefix+id, skMeta, session, &condition{
		expr:   "#s = :from",
		names:  map[string]string{"#s": "status"},
		values: map[string]types.AttributeValue{":from": &types.AttributeValueMemberS{Value: string(from)}},
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("%w: %s left %s", ErrStatusConflict, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("transition session %s: %w", id, err)
	}

	log.Debug().
		Str("sessionId", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Session status updated")
	return session, nil
}

func (s *DynamoStore) ListSessions(ctx context.Context, ownerID, cursor string, limit int) (*Page, error) {
	in := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(OwnerIndex),
		KeyConditionExpression: aws.String("ownerId = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, tryon.Validation("Invalid history cursor.")
		}
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: sessionPrefix + id},
			"SK":        &types.AttributeValueMemberS{Value: skMeta},
			"ownerId":   &types.AttributeValueMemberS{Value: ownerID},
			"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(createdAt, 10)},
		}
	}

	out, err := s.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("Query %s ownerId=%s: %w", OwnerIndex, ownerID, err)
	}

	page := &Page{Sessions: make([]*Session, 0, len(out.Items))}
	for _, item := range out.Items {
		var session Session
		if err := attributevalue.UnmarshalMap(item, &session); err != nil {
			log.Warn().Err(err).Str("ownerId", ownerID).Msg("Failed to unmarshal session, skipping")
			continue
		}
		page.Sessions = append(page.Sessions, &session)
	}
	if len(out.LastEvaluatedKey) > 0 && len(page.Sessions) > 0 {
		last := page.Sessions[len(page.Sessions)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (s *DynamoStore) DeleteSession(ctx context.Context, ownerID, id string) (*Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, tryon.NotFound("Session not found.")
	}
	if session.OwnerID != ownerID {
		return nil, tryon.Forbidden("You do not have access to this session.")
	}
	if err := s.deleteItem(ctx, sessionPrefix+id, skMeta); err != nil {
		return nil, fmt.Errorf("delete session %s: %w", id, err)
	}
	log.Debug().Str("sessionId", id).Msg("Session deleted")
	return session, nil
}

// --- Uploads ---

func (s *DynamoStore) PutUpload(ctx context.Context, u *Upload) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = s.now().UnixMilli()
	}
	if err := s.putItem(ctx, uploadPrefix+u.ID, skMeta, u, nil); err != nil {
		return fmt.Errorf("put upload %s: %w", u.ID, err)
	}
	return nil
}

func (s *DynamoStore) GetUpload(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	found, err := s.getItem(ctx, uploadPrefix+id, skMeta, &u)
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &u, nil
}

// --- Preferences ---

// updatePrefs runs an UpdateItem on the owner's PREFS item, creating it if
// needed.
func (s *DynamoStore) updatePrefs(ctx context.Context, ownerID, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	pk := userPrefix + ownerID
	values[":owner"] = &types.AttributeValueMemberS{Value: ownerID}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       itemKey(pk, skPrefs),
		UpdateExpression:          aws.String(expr + ", ownerId = :owner"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("UpdateItem PK=%s SK=%s: %w", pk, skPrefs, err)
	}
	return nil
}

func (s *DynamoStore) SetDefaultImage(ctx context.Context, ownerID, uploadID string) error {
	return s.updatePrefs(ctx, ownerID, "SET defaultImageId = :u", nil,
		map[string]types.AttributeValue{":u": &types.AttributeValueMemberS{Value: uploadID}})
}

func (s *DynamoStore) GetPreferences(ctx context.Context, ownerID string) (*Preferences, error) {
	prefs := Preferences{OwnerID: ownerID}
	if _, err := s.getItem(ctx, userPrefix+ownerID, skPrefs, &prefs); err != nil {
		return nil, fmt.Errorf("get preferences %s: %w", ownerID, err)
	}
	return &prefs, nil
}

// IncrementUnseen uses ADD, which creates the attribute at zero first.
func (s *DynamoStore) IncrementUnseen(ctx context.Context, ownerID string) error {
	return s.updatePrefs(ctx, ownerID, "ADD unseen :one SET updatedAt = :now", nil,
		map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixMilli(), 10)},
		})
}

func (s *DynamoStore) ClearUnseen(ctx context.Context, ownerID string) error {
	return s.updatePrefs(ctx, ownerID, "SET unseen = :zero", nil,
		map[string]types.AttributeValue{":zero": &types.AttributeValueMemberN{Value: "0"}})
}

// --- Catalog ---

func (s *DynamoStore) PutCatalogItem(ctx context.Context, item *CatalogItem) error {
	if err := s.putItem(ctx, catalogPrefix+item.ID, skMeta, item, nil); err != nil {
		return fmt.Errorf("put catalog item %s: %w", item.ID, err)
	}
	return nil
}

func (s *DynamoStore) GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error) {
	var item CatalogItem
	found, err := s.getItem(ctx, catalogPrefix+id, skMeta, &item)
	if err != nil {
		return nil, fmt.Errorf("get catalog item %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &item, nil
}
