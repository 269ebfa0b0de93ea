package mystore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

type InMemoryStore[T any] struct {
	sync.Mutex
	Items map[string]T
}

func NewInMemoryStore[T any](c context.Context) (*InMemoryStore[T], func(), error) {
	return &InMemoryStore[T]{
		Items: make(map[string]T),
	}, func() {}, nil
}

func (s *InMemoryStore[T]) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	// Start transaction
	s.Lock()

	ctx := context.WithValue(c, ctxTransactionKey{}, true)

	// Within this block everything is transactional
	err := f(ctx)
	if err != nil {

		// Rollback
		s.Unlock()

		return err
	}

	// Commit
	s.Unlock()

	return nil
}

func (s *InMemoryStore[T]) Put(c context.Context, uid string, value T) error {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	s.Items[uid] = value

	if nonTransactional {
		s.Unlock()
	}

	return nil
}

func (s *InMemoryStore[T]) Insert(c context.Context, uid string, value T) (bool, error) {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	_, exists := s.Items[uid]
	if !exists {
		s.Items[uid] = value
	}

	if nonTransactional {
		s.Unlock()
	}

	return !exists, nil
}

func (s *InMemoryStore[T]) Get(c context.Context, uid string) (T, bool, error) {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}
	result, exists := s.Items[uid]

	if nonTransactional {
		s.Unlock()
	}

	return result, exists, nil
}

func (s *InMemoryStore[T]) Delete(c context.Context, uid string) error {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	delete(s.Items, uid)

	if nonTransactional {
		s.Unlock()
	}

	return nil
}

func (s *InMemoryStore[T]) List(c context.Context) ([]T, error) {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	result := make([]T, 0, len(s.Items))
	for _, v := range s.Items {
		result = append(result, v)
	}

	if nonTransactional {
		s.Unlock()
	}

	return result, nil
}

func (s *InMemoryStore[T]) Query(c context.Context, filters []Filter, orderByField string) ([]T, error) {
	items, err := s.List(c)
	if err != nil {
		return nil, err
	}

	result := make([]T, 0, len(items))
	for _, item := range items {
		matches, err := matchesFilters(item, filters)
		if err != nil {
			return nil, err
		}
		if matches {
			result = append(result, item)
		}
	}

	if orderByField != "" {
		var sortErr error
		sort.Slice(result, func(i, j int) bool {
			lhs, err := fieldByName(result[i], orderByField)
			if err != nil {
				sortErr = err
				return false
			}
			rhs, err := fieldByName(result[j], orderByField)
			if err != nil {
				sortErr = err
				return false
			}
			cmp, err := compareValues(lhs, rhs)
			if err != nil {
				sortErr = err
				return false
			}
			return cmp < 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	return result, nil
}

func matchesFilters[T any](item T, filters []Filter) (bool, error) {
	for _, f := range filters {
		fieldValue, err := fieldByName(item, f.Field)
		if err != nil {
			return false, err
		}
		cmp, err := compareValues(fieldValue, f.Value)
		if err != nil {
			return false, err
		}

		switch f.Compare {
		case "=":
			if cmp != 0 {
				return false, nil
			}
		case "<":
			if cmp >= 0 {
				return false, nil
			}
		case "<=":
			if cmp > 0 {
				return false, nil
			}
		case ">":
			if cmp <= 0 {
				return false, nil
			}
		case ">=":
			if cmp < 0 {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported comparator %s", f.Compare)
		}
	}

	return true, nil
}

func fieldByName[T any](item T, name string) (any, error) {
	value := reflect.ValueOf(item).FieldByName(name)
	if !value.IsValid() {
		return nil, fmt.Errorf("unknown field %s on %T", name, item)
	}
	return value.Interface(), nil
}

func compareValues(lhs any, rhs any) (int, error) {
	if lhsTime, ok := lhs.(time.Time); ok {
		rhsTime, ok := rhs.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare time.Time with %T", rhs)
		}
		switch {
		case lhsTime.Before(rhsTime):
			return -1, nil
		case lhsTime.After(rhsTime):
			return 1, nil
		default:
			return 0, nil
		}
	}

	lhsValue := reflect.ValueOf(lhs)
	rhsValue := reflect.ValueOf(rhs)

	switch lhsValue.Kind() {
	case reflect.String:
		if rhsValue.Kind() != reflect.String {
			return 0, fmt.Errorf("cannot compare string with %T", rhs)
		}
		switch {
		case lhsValue.String() < rhsValue.String():
			return -1, nil
		case lhsValue.String() > rhsValue.String():
			return 1, nil
		default:
			return 0, nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch {
		case lhsValue.Int() < rhsValue.Int():
			return -1, nil
		case lhsValue.Int() > rhsValue.Int():
			return 1, nil
		default:
			return 0, nil
		}
	case reflect.Bool:
		if lhsValue.Bool() == rhsValue.Bool() {
			return 0, nil
		}
		if !lhsValue.Bool() {
			return -1, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported field type %s", lhsValue.Kind())
	}
}
