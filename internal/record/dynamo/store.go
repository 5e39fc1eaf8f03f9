// Package dynamo implements record.Store on a single DynamoDB table keyed by
// PK/SK. The table's stream (NEW_AND_OLD_IMAGES) is the mutation log; it is
// provisioned with the table and bridged onto the record-changes topic outside
// this process.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"confconnect/internal/record"
	"confconnect/pkg/platform/sentinel"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Store struct {
	client      API
	table       string
	maxAttempts uint64
	maxElapsed  time.Duration
}

type Option func(*Store)

// WithCASAttempts bounds optimistic-concurrency retries in Mutate.
func WithCASAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = uint64(n)
		}
	}
}

func New(client API, table string, opts ...Option) *Store {
	s := &Store{
		client:      client,
		table:       table,
		maxAttempts: 8,
		maxElapsed:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func keyAttrs(key record.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		record.AttrPK: &types.AttributeValueMemberS{Value: key.PK},
		record.AttrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

func (s *Store) Get(ctx context.Context, key record.Key) (record.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("get %s: %w", key, sentinel.ErrNotFound)
	}
	return unmarshalItem(out.Item)
}

func (s *Store) Query(ctx context.Context, pk, skPrefix string) ([]record.Record, error) {
	keyCond := expression.Key(record.AttrPK).Equal(expression.Value(pk))
	if skPrefix != "" {
		keyCond = keyCond.And(expression.Key(record.AttrSK).BeginsWith(skPrefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build query expression: %w", err)
	}
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var out []record.Record
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", pk, skPrefix, err)
		}
		for _, item := range page.Items {
			r, err := unmarshalItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, r record.Record) error {
	next := r.Clone()
	next[record.AttrVersion] = r.Version() + 1
	item, err := marshalItem(next)
	if err != nil {
		return err
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put %s: %w", r.Key(), err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, r record.Record) error {
	next := r.Clone()
	next[record.AttrVersion] = 1
	item, err := marshalItem(next)
	if err != nil {
		return err
	}
	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(record.AttrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("build create condition: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      cond.Condition(),
		ExpressionAttributeNames: cond.Names(),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("create %s: %w", r.Key(), sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", r.Key(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key record.Key) error {
	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name(record.AttrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("build delete condition: %w", err)
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyAttrs(key),
		ConditionExpression:      cond.Condition(),
		ExpressionAttributeNames: cond.Names(),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("delete %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// errVersionMoved marks a lost compare-and-set race; Mutate retries it.
var errVersionMoved = errors.New("version moved")

// Mutate reads the current image, applies fn and writes it back conditioned on
// the version it read. Lost races are retried with exponential backoff.
func (s *Store) Mutate(ctx context.Context, key record.Key, fn record.MutateFunc) (record.Record, error) {
	var result record.Record
	op := func() error {
		current, err := s.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := fn(current.Clone())
		if errors.Is(err, record.ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		next = next.Clone()
		next[record.AttrPK] = key.PK
		next[record.AttrSK] = key.SK
		next[record.AttrVersion] = current.Version() + 1

		item, err := marshalItem(next)
		if err != nil {
			return backoff.Permanent(err)
		}
		cond, err := expression.NewBuilder().
			WithCondition(expression.Name(record.AttrVersion).Equal(expression.Value(current.Version()))).
			Build()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build version condition: %w", err))
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.table),
			Item:                      item,
			ConditionExpression:       cond.Condition(),
			ExpressionAttributeNames:  cond.Names(),
			ExpressionAttributeValues: cond.Values(),
		})
		if isConditionFailed(err) {
			return errVersionMoved
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("mutate %s: %w", key, err))
		}
		result = next
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxElapsedTime = s.maxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.maxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, errVersionMoved) {
			return nil, fmt.Errorf("mutate %s: %w", key, sentinel.ErrUnavailable)
		}
		return nil, err
	}
	return result, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func marshalItem(r record.Record) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(map[string]any(plainNumbers(r).(record.Record)))
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return item, nil
}

func unmarshalItem(item map[string]types.AttributeValue) (record.Record, error) {
	var r record.Record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return r, nil
}

// plainNumbers converts json.Number leaves into int64 or float64 so they are
// stored as DynamoDB numbers rather than strings.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case record.Record:
		out := make(record.Record, len(t))
		for k, val := range t {
			out[k] = plainNumbers(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plainNumbers(val)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
