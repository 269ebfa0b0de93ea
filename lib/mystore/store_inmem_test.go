package mystore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type Person struct {
	UID      string
	Name     string
	Age      int
	JoinedAt time.Time
}

var (
	person = Person{UID: "123", Name: "Marc", Age: 42, JoinedAt: time.Date(2023, time.February, 27, 0, 0, 0, 0, time.UTC)}
)

func TestStore(t *testing.T) {
	c := context.TODO()
	ps, cleanup, err := NewInMemoryStore[Person](c)
	assert.NoError(t, err)
	defer cleanup()

	t.Run("Get not found", func(t *testing.T) {
		_, found, err := ps.Get(c, person.UID)
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Get put", func(t *testing.T) {
		err = ps.Put(c, person.UID, person)
		assert.NoError(t, err)
	})

	t.Run("Get found", func(t *testing.T) {
		p, found, err := ps.Get(c, person.UID)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, person, p)
	})

	t.Run("List", func(t *testing.T) {
		all, err := ps.List(c)
		assert.NoError(t, err)
		assert.Equal(t, all, []Person{person})
	})

	t.Run("Delete", func(t *testing.T) {
		err := ps.Delete(c, person.UID)
		assert.NoError(t, err)

		_, found, err := ps.Get(c, person.UID)
		assert.NoError(t, err)
		assert.False(t, found)
	})
}

func TestInsert(t *testing.T) {
	c := context.TODO()

	t.Run("Insert when absent", func(t *testing.T) {
		ps, cleanup, _ := NewInMemoryStore[Person](c)
		defer cleanup()

		inserted, err := ps.Insert(c, person.UID, person)
		assert.NoError(t, err)
		assert.True(t, inserted)

		p, found, err := ps.Get(c, person.UID)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, person, p)
	})

	t.Run("Insert when present keeps original", func(t *testing.T) {
		ps, cleanup, _ := NewInMemoryStore[Person](c)
		defer cleanup()

		inserted, err := ps.Insert(c, person.UID, person)
		assert.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = ps.Insert(c, person.UID, Person{UID: person.UID, Name: "Imposter"})
		assert.NoError(t, err)
		assert.False(t, inserted)

		p, _, _ := ps.Get(c, person.UID)
		assert.Equal(t, "Marc", p.Name)
	})

	t.Run("Concurrent inserts of same uid: exactly one wins", func(t *testing.T) {
		ps, cleanup, _ := NewInMemoryStore[Person](c)
		defer cleanup()

		const attempts = 100
		insertedCount := 0
		var mutex sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := ps.Insert(c, person.UID, person)
				assert.NoError(t, err)
				if inserted {
					mutex.Lock()
					insertedCount++
					mutex.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, insertedCount)
	})
}

func TestQuery(t *testing.T) {
	c := context.TODO()
	ps, cleanup, _ := NewInMemoryStore[Person](c)
	defer cleanup()

	marc := Person{UID: "1", Name: "Marc", Age: 42, JoinedAt: time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)}
	eva := Person{UID: "2", Name: "Eva", Age: 42, JoinedAt: time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)}
	pien := Person{UID: "3", Name: "Pien", Age: 12, JoinedAt: time.Date(2023, time.February, 1, 0, 0, 0, 0, time.UTC)}

	for _, p := range []Person{marc, eva, pien} {
		err := ps.Put(c, p.UID, p)
		assert.NoError(t, err)
	}

	t.Run("Filter on equality", func(t *testing.T) {
		got, err := ps.Query(c, []Filter{{Field: "Age", Compare: "=", Value: 42}}, "JoinedAt")
		assert.NoError(t, err)
		assert.Equal(t, []Person{marc, eva}, got)
	})

	t.Run("Filter on time", func(t *testing.T) {
		got, err := ps.Query(c, []Filter{{Field: "JoinedAt", Compare: ">", Value: marc.JoinedAt}}, "JoinedAt")
		assert.NoError(t, err)
		assert.Equal(t, []Person{pien, eva}, got)
	})

	t.Run("Combined filters", func(t *testing.T) {
		got, err := ps.Query(c, []Filter{
			{Field: "Age", Compare: "=", Value: 42},
			{Field: "Name", Compare: "=", Value: "Eva"},
		}, "JoinedAt")
		assert.NoError(t, err)
		assert.Equal(t, []Person{eva}, got)
	})

	t.Run("Unknown field", func(t *testing.T) {
		_, err := ps.Query(c, []Filter{{Field: "Nonsense", Compare: "=", Value: 1}}, "JoinedAt")
		assert.Error(t, err)
	})
}
