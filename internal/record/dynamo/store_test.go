package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/suite"

	"confconnect/internal/record"
	"confconnect/pkg/platform/sentinel"
)

// fakeDynamo keeps items in a map and evaluates the three condition shapes
// the store builds: attribute_not_exists, attribute_exists and version equality.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	puts  int

	// beforeVersionedPut runs ahead of each version-conditioned put, standing
	// in for a concurrent writer.
	beforeVersionedPut func(f *fakeDynamo)
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	return attrString(item[record.AttrPK]) + "|" + attrString(item[record.AttrSK])
}

func attrString(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	}
	return ""
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) check(cond *string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) error {
	if cond == nil {
		return nil
	}
	switch {
	case strings.Contains(*cond, "attribute_not_exists"):
		if existing != nil {
			return conditionFailed()
		}
	case strings.Contains(*cond, "attribute_exists"):
		if existing == nil {
			return conditionFailed()
		}
	case strings.Contains(*cond, "="):
		for _, want := range values {
			if existing == nil || attrString(existing[record.AttrVersion]) != attrString(want) {
				return conditionFailed()
			}
		}
	}
	return nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if in.ConditionExpression != nil && len(in.ExpressionAttributeValues) > 0 && f.beforeVersionedPut != nil {
		f.beforeVersionedPut(f)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	key := itemKey(in.Item)
	if err := f.check(in.ConditionExpression, in.ExpressionAttributeValues, f.items[key]); err != nil {
		return nil, err
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(in.Key)
	if err := f.check(in.ConditionExpression, in.ExpressionAttributeValues, f.items[key]); err != nil {
		return nil, err
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query matches items whose PK is one of the bound values and whose SK starts
// with one of the others.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var bound []string
	for _, v := range in.ExpressionAttributeValues {
		bound = append(bound, attrString(v))
	}
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		pk, sk := attrString(item[record.AttrPK]), attrString(item[record.AttrSK])
		pkMatch, skMatch := false, len(bound) == 1
		for _, b := range bound {
			if b == pk {
				pkMatch = true
			} else if strings.HasPrefix(sk, b) {
				skMatch = true
			}
		}
		if pkMatch && skMatch {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

// bump rewrites the stored version and count as another writer would.
func (f *fakeDynamo) bump(key record.Key, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.items[key.String()]
	next := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		next[k] = v
	}
	version, _ := strconv.ParseInt(attrString(item[record.AttrVersion]), 10, 64)
	next[record.AttrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version+1, 10)}
	next["connectionCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(count)}
	f.items[key.String()] = next
}

type DynamoStoreSuite struct {
	suite.Suite
	fake  *fakeDynamo
	store *Store
	ctx   context.Context
}

func (s *DynamoStoreSuite) SetupTest() {
	s.fake = newFakeDynamo()
	s.store = New(s.fake, "confconnect")
	s.ctx = context.Background()
}

func TestDynamoStoreSuite(t *testing.T) {
	suite.Run(t, new(DynamoStoreSuite))
}

var profileKey = record.Key{PK: "USER#u1", SK: "PROFILE"}

func profile(count any) record.Record {
	return record.Record{
		record.AttrPK:     profileKey.PK,
		record.AttrSK:     profileKey.SK,
		"id":              "u1",
		"connectionCount": count,
	}
}

func incrementCount(cur record.Record) (record.Record, error) {
	cur["connectionCount"] = cur.Int("connectionCount") + 1
	return cur, nil
}

func (s *DynamoStoreSuite) TestConditionalWrites() {
	tests := []struct {
		name    string
		seed    bool
		run     func() error
		wantErr error
	}{
		{
			name:    "create of an existing record conflicts",
			seed:    true,
			run:     func() error { return s.store.Create(s.ctx, profile(0)) },
			wantErr: sentinel.ErrConflict,
		},
		{
			name: "create of a new record succeeds",
			run:  func() error { return s.store.Create(s.ctx, profile(0)) },
		},
		{
			name:    "delete of a missing record is not found",
			run:     func() error { return s.store.Delete(s.ctx, profileKey) },
			wantErr: sentinel.ErrNotFound,
		},
		{
			name: "delete of an existing record succeeds",
			seed: true,
			run:  func() error { return s.store.Delete(s.ctx, profileKey) },
		},
		{
			name: "get of a missing record is not found",
			run: func() error {
				_, err := s.store.Get(s.ctx, profileKey)
				return err
			},
			wantErr: sentinel.ErrNotFound,
		},
		{
			name: "mutate of a missing record is not found",
			run: func() error {
				_, err := s.store.Mutate(s.ctx, profileKey, incrementCount)
				return err
			},
			wantErr: sentinel.ErrNotFound,
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			if tt.seed {
				s.Require().NoError(s.store.Create(s.ctx, profile(3)))
			}
			err := tt.run()
			if tt.wantErr != nil {
				s.ErrorIs(err, tt.wantErr)
				return
			}
			s.NoError(err)
		})
	}
}

func (s *DynamoStoreSuite) TestMutateRetriesLostRace() {
	s.Require().NoError(s.store.Create(s.ctx, profile(3)))
	raced := false
	s.fake.beforeVersionedPut = func(f *fakeDynamo) {
		if !raced {
			raced = true
			f.bump(profileKey, 10)
		}
	}
	calls := 0

	got, err := s.store.Mutate(s.ctx, profileKey, func(cur record.Record) (record.Record, error) {
		calls++
		return incrementCount(cur)
	})
	s.Require().NoError(err)
	s.Equal(2, calls)
	s.Equal(11, got.Int("connectionCount"))
	s.Equal(int64(3), got.Version())

	stored, err := s.store.Get(s.ctx, profileKey)
	s.Require().NoError(err)
	s.Equal(11, stored.Int("connectionCount"))
	s.Equal(int64(3), stored.Version())
}

func (s *DynamoStoreSuite) TestMutateGivesUpWhenAlwaysRaced() {
	s.store = New(s.fake, "confconnect", WithCASAttempts(2))
	s.Require().NoError(s.store.Create(s.ctx, profile(3)))
	s.fake.beforeVersionedPut = func(f *fakeDynamo) { f.bump(profileKey, 10) }

	_, err := s.store.Mutate(s.ctx, profileKey, incrementCount)
	s.ErrorIs(err, sentinel.ErrUnavailable)
}

func (s *DynamoStoreSuite) TestMutateNoChangeSkipsWrite() {
	s.Require().NoError(s.store.Create(s.ctx, profile(3)))
	putsBefore := s.fake.puts

	got, err := s.store.Mutate(s.ctx, profileKey, func(record.Record) (record.Record, error) {
		return nil, record.ErrNoChange
	})
	s.Require().NoError(err)
	s.Equal(putsBefore, s.fake.puts)
	s.Equal(3, got.Int("connectionCount"))
	s.Equal(int64(1), got.Version())
}

func (s *DynamoStoreSuite) TestMutateFailureIsNotRetried() {
	s.Require().NoError(s.store.Create(s.ctx, profile(3)))
	calls := 0
	boom := errors.New("bad image")

	_, err := s.store.Mutate(s.ctx, profileKey, func(record.Record) (record.Record, error) {
		calls++
		return nil, boom
	})
	s.ErrorIs(err, boom)
	s.Equal(1, calls)
}

func (s *DynamoStoreSuite) TestNumbersAreStoredAsNumbers() {
	r := profile(json.Number("7"))
	r["ratio"] = json.Number("1.5")
	r["nested"] = map[string]any{"count": json.Number("2")}
	s.Require().NoError(s.store.Put(s.ctx, r))

	item := s.fake.items[profileKey.String()]
	s.IsType(&types.AttributeValueMemberN{}, item["connectionCount"])
	s.IsType(&types.AttributeValueMemberN{}, item["ratio"])

	got, err := s.store.Get(s.ctx, profileKey)
	s.Require().NoError(err)
	s.Equal(7, got.Int("connectionCount"))
	s.InDelta(1.5, got["ratio"], 0.0001)
	s.Equal(int64(1), got.Version())

	s.Run("mutate round-trips through clone", func() {
		got, err := s.store.Mutate(s.ctx, profileKey, incrementCount)
		s.Require().NoError(err)
		s.Equal(8, got.Int("connectionCount"))
		s.Equal(int64(2), got.Version())
	})
}

func (s *DynamoStoreSuite) TestQueryByPrefix() {
	for _, other := range []string{"u2", "u3"} {
		s.Require().NoError(s.store.Create(s.ctx, record.Record{
			record.AttrPK: "USER#u1",
			record.AttrSK: "CONNECTION#" + other,
		}))
	}
	s.Require().NoError(s.store.Create(s.ctx, profile(0)))

	got, err := s.store.Query(s.ctx, "USER#u1", "CONNECTION#")
	s.Require().NoError(err)
	s.Len(got, 2)
}
