package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
)

var (
	// ErrStatusMismatch is returned when a conditional status transition does not hold.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrAttributeMismatch is returned by ClearAttributeIf when the stored value differs.
	ErrAttributeMismatch = errors.New("attribute mismatch/conditional failed")
	// ErrNotFound is returned by writes addressed to a missing order.
	ErrNotFound = errors.New("order not found")
	// ErrOrderExists is returned by Create when the order id is taken.
	ErrOrderExists = errors.New("order already exists")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

func (s *Store) prepare(order *Order) {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Attributes == nil {
		// attributes.#k updates need the map to exist
		order.Attributes = map[string]string{}
	}
	if order.Status == "" {
		order.Status = StatusPending
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = PaymentPending
	}
}

// Create writes a new order. Returns ErrOrderExists if the id is taken.
func (s *Store) Create(ctx context.Context, order Order) error {
	s.prepare(&order)
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

// CreateWithIdempotencyTransaction atomically creates:
//   - idempotency record in idempotencyTable (with ConditionExpression attribute_not_exists(idempotency_key))
//   - order record in orders table
//
// idempotencyItem must marshal with an idempotency_key attribute; order.OrderID must be set by caller.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem interface{}, order Order, ttlWindow time.Duration) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	if _, ok := idempMap["expires_at"]; !ok && ttlWindow > 0 {
		expires := s.nowFunc().Add(ttlWindow).Unix()
		idempMap["expires_at"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expires)}
	}

	s.prepare(&order)
	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &idempotencyTable,
					Item:                idempMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: awsString("attribute_not_exists(order_id)"),
				},
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (likely idempotency key exists): %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       s.timestamp(),
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// SetAttribute stores a custom attribute. An empty value removes it.
func (s *Store) SetAttribute(ctx context.Context, orderID, key, value string) error {
	if value == "" {
		return s.removeAttribute(ctx, orderID, key)
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET attributes.#k = :v, updated_at = :ua"),
		ConditionExpression:      awsString("attribute_exists(order_id) AND attribute_exists(attributes)"),
		ExpressionAttributeNames: map[string]string{"#k": key},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":  &types.AttributeValueMemberS{Value: value},
			":ua": s.timestamp(),
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("set attribute %s: %w", key, err)
	}

	// order written without an attributes map
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET attributes = :m, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(attributes)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				key: &types.AttributeValueMemberS{Value: value},
			}},
			":ua": s.timestamp(),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("init attributes: %w", err)
	}
	return nil
}

func (s *Store) removeAttribute(ctx context.Context, orderID, key string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("REMOVE attributes.#k SET updated_at = :ua"),
		ConditionExpression:      awsString("attribute_exists(order_id) AND attribute_exists(attributes)"),
		ExpressionAttributeNames: map[string]string{"#k": key},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua": s.timestamp(),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("remove attribute %s: %w", key, err)
	}
	return nil
}

// ClearAttributeIf removes the attribute only while it still equals expected.
// Of two concurrent callers with the same expected value exactly one succeeds;
// the other gets ErrAttributeMismatch.
func (s *Store) ClearAttributeIf(ctx context.Context, orderID, key, expected string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("REMOVE attributes.#k SET updated_at = :ua"),
		ConditionExpression:      awsString("attributes.#k = :expected"),
		ExpressionAttributeNames: map[string]string{"#k": key},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: expected},
			":ua":       s.timestamp(),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAttributeMismatch
		}
		return fmt.Errorf("clear attribute %s: %w", key, err)
	}
	return nil
}

// AppendNote adds a note to the end of the order history.
func (s *Store) AppendNote(ctx context.Context, orderID string, note Note) error {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.nowFunc().UTC()
	}
	av, err := attributevalue.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal note: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET notes = list_append(if_not_exists(notes, :empty), :n), updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":n":     &types.AttributeValueMemberL{Value: []types.AttributeValue{av}},
			":ua":    s.timestamp(),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

// SetPaymentDetails records the gateway authorization code, transaction id and result.
func (s *Store) SetPaymentDetails(ctx context.Context, orderID string, p PaymentDetails) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET authorization_transaction_code = :ac, capture_transaction_id = :tid, capture_transaction_result = :res, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ac":  &types.AttributeValueMemberS{Value: p.AuthorizationCode},
			":tid": &types.AttributeValueMemberS{Value: p.TransactionID},
			":res": &types.AttributeValueMemberS{Value: p.Result},
			":ua":  s.timestamp(),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set payment details: %w", err)
	}
	return nil
}

// MarkPaid moves the payment to PAID. The write is conditional on the stored order
// still being eligible, so concurrent callers cannot both succeed; the loser gets
// ErrStatusMismatch. A PENDING order then moves to PROCESSING; failing that step does not
// fail the call, since the payment is already recorded.
func (s *Store) MarkPaid(ctx context.Context, orderID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET payment_status = :paid, paid_at = :pa, updated_at = :ua"),
		ConditionExpression:      awsString("attribute_exists(order_id) AND payment_status IN (:pending, :authorized) AND #s <> :cancelled"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid":       &types.AttributeValueMemberS{Value: PaymentPaid},
			":pending":    &types.AttributeValueMemberS{Value: PaymentPending},
			":authorized": &types.AttributeValueMemberS{Value: PaymentAuthorized},
			":cancelled":  &types.AttributeValueMemberS{Value: StatusCancelled},
			":pa":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("mark paid: %w", err)
	}

	// the payment is recorded; a PENDING order left behind is advanced by the payment events worker
	if err := s.UpdateStatus(ctx, orderID, StatusPending, StatusProcessing); err != nil && !errors.Is(err, ErrStatusMismatch) {
		log.Printf("[orders] order=%s paid but status not advanced: %v", orderID, err)
	}
	return nil
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)}
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
