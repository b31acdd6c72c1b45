package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo evaluates exactly the condition expressions DynamoCounter
// issues against an in-memory table.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(k map[string]types.AttributeValue) string {
	return k["PK"].(*types.AttributeValueMemberS).Value + "|" + k["SK"].(*types.AttributeValueMemberS).Value
}

func numAttr(item map[string]types.AttributeValue, name string) int64 {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func numValue(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Item)
	existing, exists := f.items[k]
	switch aws.ToString(in.ConditionExpression) {
	case "":
	case condStartWindow:
		now := numValue(in.ExpressionAttributeValues[":now"])
		if exists && numAttr(existing, "expiresAt") > now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		panic("unexpected condition " + aws.ToString(in.ConditionExpression))
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Key)
	item, exists := f.items[k]
	now := numValue(in.ExpressionAttributeValues[":now"])
	live := exists && numAttr(item, "expiresAt") > now
	switch aws.ToString(in.ConditionExpression) {
	case condIncrLive:
		if !live {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case condAdmitLive:
		if !live || numAttr(item, "count") >= numValue(in.ExpressionAttributeValues[":max"]) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		panic("unexpected condition " + aws.ToString(in.ConditionExpression))
	}
	count := numAttr(item, "count") + 1
	item["count"] = num(count)
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"count": num(count)}}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newDynamoCounter() (*DynamoCounter, *fakeDynamo, *clock) {
	fake := newFakeDynamo()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := NewDynamoCounter(fake, "tryon")
	c.now = clk.now
	return c, fake, clk
}

func TestDynamoCounter_AdmitWindow(t *testing.T) {
	c, _, clk := newDynamoCounter()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ok, err := c.Admit(ctx, "id:a", 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := c.Admit(ctx, "id:a", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third request should be rejected")
	}

	clk.advance(time.Minute)
	ok, err = c.Admit(ctx, "id:a", 2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("request after expiry: ok=%v err=%v", ok, err)
	}
}

func TestDynamoCounter_AdmitIsAtomic(t *testing.T) {
	c, _, _ := newDynamoCounter()
	ctx := context.Background()

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Admit(ctx, "burst", 4, time.Minute)
			if err == nil && ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 4 {
		t.Errorf("admitted = %d, want 4", admitted)
	}
}

func TestDynamoCounter_Incr(t *testing.T) {
	c, _, clk := newDynamoCounter()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "violations", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("Incr = %d, want %d", n, want)
		}
	}
	clk.advance(time.Hour)
	n, err := c.Incr(ctx, "violations", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Incr after expiry = %d, want 1", n)
	}
}

func TestDynamoCounter_Flags(t *testing.T) {
	c, _, clk := newDynamoCounter()
	ctx := context.Background()

	if on, _ := c.Flag(ctx, FlagRateLimit); on {
		t.Fatal("flag should start lowered")
	}
	if err := c.SetFlag(ctx, FlagRateLimit, time.Hour); err != nil {
		t.Fatal(err)
	}
	if on, _ := c.Flag(ctx, FlagRateLimit); !on {
		t.Fatal("flag should be raised")
	}
	clk.advance(time.Hour)
	if on, _ := c.Flag(ctx, FlagRateLimit); on {
		t.Fatal("flag should lapse after its ttl")
	}
}
