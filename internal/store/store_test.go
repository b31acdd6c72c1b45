package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// fakeTable is a tiny in-memory DynamoDB that understands the expressions
// DynamoStore issues.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func tableKey(key map[string]types.AttributeValue) string {
	return str(key["PK"]) + "|" + str(key["SK"])
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[tableKey(in.Key)]}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tableKey(in.Item)
	existing := f.items[k]
	if in.ConditionExpression != nil {
		ok := false
		switch *in.ConditionExpression {
		case "attribute_not_exists(PK)":
			ok = existing == nil
		case "#s = :from":
			ok = existing != nil && str(existing["status"]) == str(in.ExpressionAttributeValues[":from"])
		default:
			return nil, fmt.Errorf("unexpected condition %q", *in.ConditionExpression)
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tableKey(in.Key)
	item := f.items[k]
	if item == nil {
		item = map[string]types.AttributeValue{"PK": in.Key["PK"], "SK": in.Key["SK"]}
	}
	vals := in.ExpressionAttributeValues
	item["ownerId"] = vals[":owner"]
	if v, ok := vals[":one"]; ok {
		item["unseen"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(num(item["unseen"])+num(v), 10)}
	}
	if v, ok := vals[":zero"]; ok {
		item["unseen"] = v
	}
	if v, ok := vals[":u"]; ok {
		item["defaultImageId"] = v
	}
	f.items[k] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, tableKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query emulates the owner index: newest first, resuming after
// ExclusiveStartKey, with LastEvaluatedKey set whenever Limit is reached.
func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.IndexName == nil || *in.IndexName != OwnerIndex {
		return nil, errors.New("query without owner index")
	}
	owner := str(in.ExpressionAttributeValues[":o"])
	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if str(item["ownerId"]) == owner && item["createdAt"] != nil {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := num(matched[i]["createdAt"]), num(matched[j]["createdAt"])
		if a != b {
			return a > b
		}
		return str(matched[i]["PK"]) > str(matched[j]["PK"])
	})
	if start := in.ExclusiveStartKey; start != nil {
		for i, item := range matched {
			if str(item["PK"]) == str(start["PK"]) {
				matched = matched[i+1:]
				break
			}
		}
	}
	out := &dynamodb.QueryOutput{}
	limit := int(*in.Limit)
	if len(matched) >= limit {
		matched = matched[:limit]
		last := matched[limit-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
	}
	out.Items = matched
	return out, nil
}

// stores runs each test against both implementations.
func stores(t *testing.T) map[string]SessionStore {
	t.Helper()
	var mu sync.Mutex
	clock := time.UnixMilli(1_700_000_000_000)
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	dyn := NewDynamoStore(newFakeTable(), "tryon")
	dyn.now = tick
	mem := NewMemoryStore()
	mem.now = tick
	return map[string]SessionStore{"dynamo": dyn, "memory": mem}
}

func newSession(id, owner string) *Session {
	return &Session{
		ID:          id,
		OwnerID:     owner,
		Status:      tryon.StatusPending,
		Mode:        tryon.ModeCatalog,
		SubjectKey:  "inputs/" + id + "/subject",
		GarmentKey:  "inputs/" + id + "/garment",
		AspectRatio: tryon.Ratio1x1,
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSession(ctx, newSession("s1", "user_1")))
			assert.Error(t, s.CreateSession(ctx, newSession("s1", "user_1")), "duplicate id")

			got, err := s.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tryon.StatusPending, got.Status)
			assert.NotZero(t, got.CreatedAt)

			missing, err := s.GetSession(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			got, err = s.TransitionSession(ctx, "s1", tryon.StatusPending, tryon.StatusProcessing, nil)
			require.NoError(t, err)
			assert.Equal(t, tryon.StatusProcessing, got.Status)

			got, err = s.TransitionSession(ctx, "s1", tryon.StatusProcessing, tryon.StatusCompleted, func(sess *Session) {
				sess.ResultKey = "results/virtual-tryon-x.png"
				sess.Status = tryon.StatusFailed
			})
			require.NoError(t, err)
			assert.Equal(t, tryon.StatusCompleted, got.Status, "mutate cannot override the target status")

			stored, _ := s.GetSession(ctx, "s1")
			assert.Equal(t, "results/virtual-tryon-x.png", stored.ResultKey)
			assert.Equal(t, tryon.StatusCompleted, stored.Status)
		})
	}
}

func TestTransitionSession_Rules(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSession(ctx, newSession("s1", "user_1")))

			_, err := s.TransitionSession(ctx, "s1", tryon.StatusCompleted, tryon.StatusProcessing, nil)
			assert.ErrorIs(t, err, tryon.ErrInvalidTransition)

			_, err = s.TransitionSession(ctx, "s1", tryon.StatusProcessing, tryon.StatusCompleted, nil)
			assert.ErrorIs(t, err, ErrStatusConflict, "session is still pending")

			_, err = s.TransitionSession(ctx, "ghost", tryon.StatusPending, tryon.StatusProcessing, nil)
			assert.Equal(t, tryon.KindNotFound, tryon.KindOf(err))
		})
	}
}

func TestTransitionSession_SingleWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSession(ctx, newSession("s1", "user_1")))

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.TransitionSession(ctx, "s1", tryon.StatusPending, tryon.StatusProcessing, nil); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestListSessions_Pagination(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.CreateSession(ctx, newSession(fmt.Sprintf("s%d", i), "user_1")))
			}
			require.NoError(t, s.CreateSession(ctx, newSession("other", "user_2")))

			page, err := s.ListSessions(ctx, "user_1", "", 2)
			require.NoError(t, err)
			require.Len(t, page.Sessions, 2)
			assert.Equal(t, "s4", page.Sessions[0].ID, "newest first")
			assert.Equal(t, "s3", page.Sessions[1].ID)
			require.NotEmpty(t, page.NextCursor)

			var ids []string
			for cursor := page.NextCursor; cursor != ""; {
				next, err := s.ListSessions(ctx, "user_1", cursor, 2)
				require.NoError(t, err)
				for _, sess := range next.Sessions {
					ids = append(ids, sess.ID)
				}
				cursor = next.NextCursor
			}
			assert.Equal(t, []string{"s2", "s1", "s0"}, ids)

			_, err = s.ListSessions(ctx, "user_1", "%%%", 2)
			assert.Equal(t, tryon.KindValidation, tryon.KindOf(err))
		})
	}
}

func TestDeleteSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSession(ctx, newSession("s1", "user_1")))

			_, err := s.DeleteSession(ctx, "user_2", "s1")
			assert.Equal(t, tryon.KindForbidden, tryon.KindOf(err))

			deleted, err := s.DeleteSession(ctx, "user_1", "s1")
			require.NoError(t, err)
			assert.Equal(t, "inputs/s1/subject", deleted.SubjectKey)

			_, err = s.DeleteSession(ctx, "user_1", "s1")
			assert.Equal(t, tryon.KindNotFound, tryon.KindOf(err))
		})
	}
}

func TestPreferencesAndUploads(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prefs, err := s.GetPreferences(ctx, "user_1")
			require.NoError(t, err)
			assert.Equal(t, 0, prefs.Unseen)
			assert.Empty(t, prefs.DefaultImageID)

			require.NoError(t, s.PutUpload(ctx, &Upload{ID: "u1", OwnerID: "user_1", Key: "uploads/u1.jpg", MIME: "image/jpeg"}))
			u, err := s.GetUpload(ctx, "u1")
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, "uploads/u1.jpg", u.Key)

			require.NoError(t, s.SetDefaultImage(ctx, "user_1", "u1"))
			require.NoError(t, s.IncrementUnseen(ctx, "user_1"))
			require.NoError(t, s.IncrementUnseen(ctx, "user_1"))

			prefs, err = s.GetPreferences(ctx, "user_1")
			require.NoError(t, err)
			assert.Equal(t, "u1", prefs.DefaultImageID)
			assert.Equal(t, 2, prefs.Unseen)

			require.NoError(t, s.ClearUnseen(ctx, "user_1"))
			prefs, _ = s.GetPreferences(ctx, "user_1")
			assert.Equal(t, 0, prefs.Unseen)
			assert.Equal(t, "u1", prefs.DefaultImageID)
		})
	}
}

func TestCatalogItem(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			item := &CatalogItem{
				ID:              "p1",
				Name:            "Linen Shirt",
				FeaturedImageID: "10",
				GalleryImageIDs: []string{"11", "10", "12"},
				Images: []CatalogImage{
					{ID: "10", Key: "catalog/p1/10.jpg"},
					{ID: "11", Key: "catalog/p1/11.jpg", Alt: "Back"},
					{ID: "12", Key: "catalog/p1/12.jpg"},
				},
			}
			require.NoError(t, s.PutCatalogItem(ctx, item))

			got, err := s.GetCatalogItem(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, []string{"10", "11", "12"}, got.OrderedImageIDs())

			img, ok := got.Image("11")
			assert.True(t, ok)
			assert.Equal(t, "Back", img.Alt)
			_, ok = got.Image("99")
			assert.False(t, ok)
		})
	}
}

func TestSessionItemShape(t *testing.T) {
	table := newFakeTable()
	s := NewDynamoStore(table, "tryon")
	require.NoError(t, s.CreateSession(context.Background(), newSession("s1", "user_1")))

	item := table.items["SESSION#s1|META"]
	require.NotNil(t, item)
	assert.Equal(t, "s1", str(item["sessionId"]))
	assert.Equal(t, "user_1", str(item["ownerId"]))
	assert.NotZero(t, num(item["createdAt"]))
	_, hasTTL := item["expiresAt"]
	assert.False(t, hasTTL, "sessions never expire")

	var back Session
	require.NoError(t, attributevalue.UnmarshalMap(item, &back))
	assert.Equal(t, tryon.Ratio1x1, back.AspectRatio)
}

func TestSessionItemShape_Anonymous(t *testing.T) {
	table := newFakeTable()
	s := NewDynamoStore(table, "tryon")
	sess := newSession("s2", "")
	sess.IdentityKey = "ip_0123"
	require.NoError(t, s.CreateSession(context.Background(), sess))

	item := table.items["SESSION#s2|META"]
	require.NotNil(t, item)
	_, hasOwner := item["ownerId"]
	assert.False(t, hasOwner, "anonymous sessions stay out of the owner index")
	assert.Equal(t, "ip_0123", str(item["identity"]))
}

func TestCursorRoundTrip(t *testing.T) {
	c := encodeCursor(1700000000123, "abc")
	at, id, err := decodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), at)
	assert.Equal(t, "abc", id)

	_, _, err = decodeCursor("bm9waXBl") // "nopipe"
	assert.Error(t, err)
}
