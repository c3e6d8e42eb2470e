// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FakeDynamo is an in-memory DynamoDB implementing aws.DynamoDBAPI. It evaluates the
// subset of update and condition expressions the stores use:
//
//	SET p = :v, p = list_append(if_not_exists(p, :e), :v), p = if_not_exists(p, :v)
//	REMOVE p
//	attribute_exists(p), attribute_not_exists(p), p = :v, p <> :v, p < :v, p IN (:a, :b),
//	joined by AND and OR, grouped with parentheses
//
// Paths may be dotted and use #name placeholders.
type FakeDynamo struct {
	mu     sync.Mutex
	keys   map[string]string // table -> partition key attribute
	tables map[string]map[string]map[string]types.AttributeValue

	// Err, when set, is consulted before every call; a non-nil result fails the call.
	Err func(op, table string) error

	Calls map[string]int
}

// NewFakeDynamo returns an empty fake. keys maps table name to its partition key attribute.
func NewFakeDynamo(keys map[string]string) *FakeDynamo {
	f := &FakeDynamo{
		keys:   keys,
		tables: map[string]map[string]map[string]types.AttributeValue{},
		Calls:  map[string]int{},
	}
	for t := range keys {
		f.tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

// Item returns a copy of a stored item, or nil.
func (f *FakeDynamo) Item(table, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Seed stores item as-is.
func (f *FakeDynamo) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := f.pkValue(table, item)
	f.ensure(table)
	f.tables[table][pk] = copyItem(item)
}

func (f *FakeDynamo) ensure(table string) {
	if _, ok := f.tables[table]; !ok {
		f.tables[table] = map[string]map[string]types.AttributeValue{}
	}
}

func (f *FakeDynamo) pkValue(table string, item map[string]types.AttributeValue) string {
	attr := f.keys[table]
	if s, ok := item[attr].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *FakeDynamo) before(op, table string) error {
	f.Calls[op]++
	if f.Err != nil {
		return f.Err(op, table)
	}
	return nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	if err := f.before("PutItem", table); err != nil {
		return nil, err
	}
	f.ensure(table)
	pk := f.pkValue(table, in.Item)
	if pk == "" {
		return nil, errors.New("fake dynamo: missing partition key")
	}
	current := f.tables[table][pk]
	ok, err := evalCondition(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("put condition failed")}
	}
	f.tables[table][pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	if err := f.before("GetItem", table); err != nil {
		return nil, err
	}
	item, ok := f.tables[table][f.pkValue(table, in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	if err := f.before("UpdateItem", table); err != nil {
		return nil, err
	}
	f.ensure(table)
	pk := f.pkValue(table, in.Key)
	current, exists := f.tables[table][pk]

	ok, err := evalCondition(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("update condition failed")}
	}

	var item map[string]types.AttributeValue
	if exists {
		item = copyItem(current)
	} else {
		// UpdateItem upserts
		item = copyItem(in.Key)
	}
	if in.UpdateExpression != nil {
		if err := applyUpdate(*in.UpdateExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	f.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (f *FakeDynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	if err := f.before("DeleteItem", table); err != nil {
		return nil, err
	}
	pk := f.pkValue(table, in.Key)
	ok, err := evalCondition(in.ConditionExpression, f.tables[table][pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("delete condition failed")}
	}
	delete(f.tables[table], pk)
	return &dyn.DeleteItemOutput{}, nil
}

func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before("TransactWriteItems", ""); err != nil {
		return nil, err
	}
	// all conditions first, then all writes
	for _, it := range in.TransactItems {
		p := it.Put
		if p == nil {
			return nil, errors.New("fake dynamo: only Put is supported in transactions")
		}
		table := *p.TableName
		f.ensure(table)
		ok, err := evalCondition(p.ConditionExpression, f.tables[table][f.pkValue(table, p.Item)], p.ExpressionAttributeNames, p.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.TransactionCanceledException{Message: awsString("transaction cancelled")}
		}
	}
	for _, it := range in.TransactItems {
		table := *it.Put.TableName
		f.tables[table][f.pkValue(table, it.Put.Item)] = copyItem(it.Put.Item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// --- expression evaluation ---

var clauseRe = regexp.MustCompile(`\b(SET|REMOVE)\s+`)

func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	locs := clauseRe.FindAllStringSubmatchIndex(expr, -1)
	if len(locs) == 0 {
		return fmt.Errorf("fake dynamo: unsupported update %q", expr)
	}
	for i, loc := range locs {
		keyword := expr[loc[2]:loc[3]]
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(expr[loc[1]:end])
		for _, action := range splitTopLevel(body, ',') {
			action = strings.TrimSpace(action)
			switch keyword {
			case "SET":
				lhs, rhs, ok := strings.Cut(action, "=")
				if !ok {
					return fmt.Errorf("fake dynamo: bad SET action %q", action)
				}
				path := resolvePath(strings.TrimSpace(lhs), names)
				v, err := evalOperand(strings.TrimSpace(rhs), item, names, values)
				if err != nil {
					return err
				}
				if err := setPath(item, path, v); err != nil {
					return err
				}
			case "REMOVE":
				removePath(item, resolvePath(action, names))
			}
		}
	}
	return nil
}

func evalOperand(s string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	switch {
	case strings.HasPrefix(s, ":"):
		v, ok := values[s]
		if !ok {
			return nil, fmt.Errorf("fake dynamo: missing value %s", s)
		}
		return v, nil
	case strings.HasPrefix(s, "if_not_exists(") && strings.HasSuffix(s, ")"):
		args := splitTopLevel(s[len("if_not_exists("):len(s)-1], ',')
		if len(args) != 2 {
			return nil, fmt.Errorf("fake dynamo: bad if_not_exists %q", s)
		}
		if v, ok := getPath(item, resolvePath(strings.TrimSpace(args[0]), names)); ok {
			return v, nil
		}
		return evalOperand(strings.TrimSpace(args[1]), item, names, values)
	case strings.HasPrefix(s, "list_append(") && strings.HasSuffix(s, ")"):
		args := splitTopLevel(s[len("list_append("):len(s)-1], ',')
		if len(args) != 2 {
			return nil, fmt.Errorf("fake dynamo: bad list_append %q", s)
		}
		a, err := evalOperand(strings.TrimSpace(args[0]), item, names, values)
		if err != nil {
			return nil, err
		}
		b, err := evalOperand(strings.TrimSpace(args[1]), item, names, values)
		if err != nil {
			return nil, err
		}
		la, okA := a.(*types.AttributeValueMemberL)
		lb, okB := b.(*types.AttributeValueMemberL)
		if !okA || !okB {
			return nil, errors.New("fake dynamo: list_append on non-list")
		}
		out := append(append([]types.AttributeValue{}, la.Value...), lb.Value...)
		return &types.AttributeValueMemberL{Value: out}, nil
	default:
		v, ok := getPath(item, resolvePath(s, names))
		if !ok {
			return nil, fmt.Errorf("fake dynamo: operand %q not found", s)
		}
		return v, nil
	}
}

var (
	existsRe    = regexp.MustCompile(`^attribute_exists\((.+)\)$`)
	notExistsRe = regexp.MustCompile(`^attribute_not_exists\((.+)\)$`)
	inRe        = regexp.MustCompile(`^(\S+)\s+IN\s+\((.+)\)$`)
)

func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	return evalExpr(*expr, item, names, values)
}

// evalExpr gives AND precedence over OR, as DynamoDB does.
func evalExpr(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = stripParens(strings.TrimSpace(expr))
	if parts := splitTopLevelWord(expr, " OR "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalExpr(part, item, names, values)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if parts := splitTopLevelWord(expr, " AND "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalExpr(part, item, names, values)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return evalTerm(expr, item, names, values)
}

// stripParens removes parentheses that enclose the whole expression.
func stripParens(expr string) string {
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		depth := 0
		for i, r := range expr {
			switch r {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 && i < len(expr)-1 {
				return expr
			}
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}

func splitTopLevelWord(s, word string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(s[i:], word) {
			parts = append(parts, s[start:i])
			start = i + len(word)
			i = start - 1
		}
	}
	return append(parts, s[start:])
}

func evalTerm(term string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if m := existsRe.FindStringSubmatch(term); m != nil {
		_, ok := getPath(item, resolvePath(m[1], names))
		return ok, nil
	}
	if m := notExistsRe.FindStringSubmatch(term); m != nil {
		_, ok := getPath(item, resolvePath(m[1], names))
		return !ok, nil
	}
	if m := inRe.FindStringSubmatch(term); m != nil {
		current, ok := getPath(item, resolvePath(m[1], names))
		if !ok {
			return false, nil
		}
		for _, ph := range strings.Split(m[2], ",") {
			if equalAV(current, values[strings.TrimSpace(ph)]) {
				return true, nil
			}
		}
		return false, nil
	}
	for _, op := range []string{"<>", "<", "="} {
		if lhs, rhs, ok := strings.Cut(term, op); ok {
			want, found := values[strings.TrimSpace(rhs)]
			if !found {
				return false, fmt.Errorf("fake dynamo: missing value %s", rhs)
			}
			current, exists := getPath(item, resolvePath(strings.TrimSpace(lhs), names))
			switch op {
			case "=":
				return exists && equalAV(current, want), nil
			case "<":
				return exists && lessAV(current, want), nil
			}
			// comparisons on missing attributes are false in DynamoDB
			return exists && !equalAV(current, want), nil
		}
	}
	return false, fmt.Errorf("fake dynamo: unsupported condition %q", term)
}

func splitTopLevel(s string, sep rune) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func resolvePath(p string, names map[string]string) []string {
	segs := strings.Split(strings.TrimSpace(p), ".")
	for i, s := range segs {
		if strings.HasPrefix(s, "#") {
			if n, ok := names[s]; ok {
				segs[i] = n
			}
		}
	}
	return segs
}

func getPath(item map[string]types.AttributeValue, path []string) (types.AttributeValue, bool) {
	if item == nil {
		return nil, false
	}
	v, ok := item[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	m, isMap := v.(*types.AttributeValueMemberM)
	if !isMap {
		return nil, false
	}
	return getPath(m.Value, path[1:])
}

func setPath(item map[string]types.AttributeValue, path []string, v types.AttributeValue) error {
	if len(path) == 1 {
		item[path[0]] = copyAV(v)
		return nil
	}
	m, ok := item[path[0]].(*types.AttributeValueMemberM)
	if !ok {
		return fmt.Errorf("fake dynamo: document path %s is invalid for update", strings.Join(path, "."))
	}
	return setPath(m.Value, path[1:], v)
}

func removePath(item map[string]types.AttributeValue, path []string) {
	if len(path) == 1 {
		delete(item, path[0])
		return
	}
	if m, ok := item[path[0]].(*types.AttributeValueMemberM); ok {
		removePath(m.Value, path[1:])
	}
}

func equalAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

// lessAV orders strings bytewise and numbers numerically; other types never compare.
func lessAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value < bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, errA := strconv.ParseFloat(av.Value, 64)
		y, errB := strconv.ParseFloat(bv.Value, 64)
		return errA == nil && errB == nil && x < y
	}
	return false
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyAV(v)
	}
	return out
}

func copyAV(v types.AttributeValue) types.AttributeValue {
	switch av := v.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(av.Value)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(av.Value))
		for i, e := range av.Value {
			l[i] = copyAV(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	default:
		return v
	}
}

func awsString(s string) *string { return &s }
