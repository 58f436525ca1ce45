package collection

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s *Store, collection string, selector Selector) []Document {
	var docs []Document
	for doc := range s.Find(collection, selector) {
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b Document) int {
		if a.ID() < b.ID() {
			return -1
		}
		if a.ID() > b.ID() {
			return 1
		}
		return 0
	})
	return docs
}

func TestUpsertMergesFields(t *testing.T) {
	s := NewStore()
	s.Upsert("lists", "a", Fields{"name": "groceries", "count": 1})
	s.Upsert("lists", "a", Fields{"count": 2, "owner": "alice"})

	doc, ok := s.Get("lists", "a")
	require.True(t, ok)
	assert.Equal(t, Document{IDField: "a", "name": "groceries", "count": 2, "owner": "alice"}, doc)
}

func TestUpsertIsIdempotent(t *testing.T) {
	once := NewStore()
	twice := NewStore()
	fields := Fields{"name": "groceries", "tags": []any{"a", "b"}}

	once.Upsert("lists", "a", fields)
	twice.Upsert("lists", "a", fields)
	twice.Upsert("lists", "a", fields)

	assert.Equal(t, once.data, twice.data)
}

func TestApplyChanged(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "1", Fields{"text": "milk", "done": false, "tmp": 1})

	s.ApplyChanged("todos", "1", Fields{"done": true}, []string{"tmp", "never-set"})

	doc, ok := s.Get("todos", "1")
	require.True(t, ok)
	assert.Equal(t, Document{IDField: "1", "text": "milk", "done": true}, doc)
}

func TestApplyChangedMissingDocumentIsNoop(t *testing.T) {
	s := NewStore()
	s.ApplyChanged("todos", "ghost", Fields{"done": true}, nil)

	_, ok := s.Get("todos", "ghost")
	assert.False(t, ok)
	assert.Empty(t, s.Collections())
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "1", Fields{"text": "milk"})
	s.Remove("todos", "1")
	s.Remove("todos", "1")
	s.Remove("unknown", "1")

	assert.Equal(t, 0, s.Len("todos"))
	assert.Equal(t, []string{"todos"}, s.Collections())
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "1", Fields{"text": "milk"})
	s.Upsert("lists", "1", Fields{"name": "home"})
	s.Reset()

	assert.Empty(t, s.Collections())
	assert.Empty(t, collect(s, "todos", nil))
}

func TestFind(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "1", Fields{"list": "home", "done": false, "priority": 1})
	s.Upsert("todos", "2", Fields{"list": "home", "done": true, "priority": 2.0})
	s.Upsert("todos", "3", Fields{"list": "work", "done": true, "meta": map[string]any{"a": 1.0}})

	tests := []struct {
		name     string
		selector Selector
		expected []string
	}{
		{"nil selector", nil, []string{"1", "2", "3"}},
		{"empty selector", Selector{}, []string{"1", "2", "3"}},
		{"single field", Selector{"list": "home"}, []string{"1", "2"}},
		{"conjunction", Selector{"list": "home", "done": true}, []string{"2"}},
		{"no match", Selector{"list": "home", "done": "yes"}, nil},
		{"missing field", Selector{"owner": nil}, nil},
		{"numeric equality", Selector{"priority": 2}, []string{"2"}},
		{"nested equality", Selector{"meta": map[string]any{"a": 1}}, []string{"3"}},
		{"by id", Selector{IDField: "3"}, []string{"3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, doc := range collect(s, "todos", tt.selector) {
				ids = append(ids, doc.ID())
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestFindReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "1", Fields{"text": "milk"})

	doc, ok := s.FindOne("todos", nil)
	require.True(t, ok)
	doc["text"] = "changed"

	stored, _ := s.Get("todos", "1")
	assert.Equal(t, "milk", stored["text"])
	_, hasID := s.data["todos"]["1"][IDField]
	assert.False(t, hasID)
}

func TestFindOne(t *testing.T) {
	s := NewStore()
	_, ok := s.FindOne("todos", nil)
	assert.False(t, ok)

	s.Upsert("todos", "1", Fields{"list": "home"})
	s.Upsert("todos", "2", Fields{"list": "work"})

	doc, ok := s.FindOne("todos", Selector{"list": "work"})
	require.True(t, ok)
	assert.Equal(t, "2", doc.ID())

	_, ok = s.FindOne("todos", Selector{"list": "garden"})
	assert.False(t, ok)
}

func TestFindStopsEarly(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		s.Upsert("todos", fmt.Sprint(i), Fields{"n": i})
	}
	seen := 0
	for range s.Find("todos", nil) {
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

// 随机回放 added/changed/removed, 结果应等于逐字段的最后一次写入减去被清除的字段
func TestReplayMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{"a", "b", "c", "d"}
	ids := []string{"x", "y", "z"}

	for round := 0; round < 50; round++ {
		s := NewStore()
		model := map[string]map[string]any{}

		for step := 0; step < 40; step++ {
			id := ids[rng.Intn(len(ids))]
			fields := Fields{}
			for _, k := range keys {
				if rng.Intn(2) == 0 {
					fields[k] = rng.Intn(100)
				}
			}
			switch rng.Intn(3) {
			case 0:
				s.Upsert("c", id, fields)
				if model[id] == nil {
					model[id] = map[string]any{}
				}
				for k, v := range fields {
					model[id][k] = v
				}
			case 1:
				cleared := []string{keys[rng.Intn(len(keys))]}
				if _, ok := fields[cleared[0]]; ok {
					delete(fields, cleared[0])
				}
				s.ApplyChanged("c", id, fields, cleared)
				if doc, ok := model[id]; ok {
					for k, v := range fields {
						doc[k] = v
					}
					delete(doc, cleared[0])
				}
			case 2:
				s.Remove("c", id)
				delete(model, id)
			}
		}

		require.Equal(t, len(model), s.Len("c"), "round %d", round)
		for id, fields := range model {
			doc, ok := s.Get("c", id)
			require.True(t, ok, "round %d id %s", round, id)
			expected := newDocument(id, fields)
			require.Equal(t, expected, doc, "round %d id %s", round, id)
		}
	}
}

type todo struct {
	ID       string   `bson:"_id"`
	Text     string   `bson:"text"`
	Done     bool     `bson:"done"`
	Priority int      `bson:"priority"`
	Tags     []string `bson:"tags"`
}

func TestDocumentDecode(t *testing.T) {
	s := NewStore()
	s.Upsert("todos", "t1", Fields{"text": "milk", "done": true, "priority": 3.0, "tags": []any{"home"}})

	doc, ok := s.Get("todos", "t1")
	require.True(t, ok)

	var out todo
	require.NoError(t, doc.Decode(&out))
	assert.Equal(t, todo{ID: "t1", Text: "milk", Done: true, Priority: 3, Tags: []string{"home"}}, out)
}
