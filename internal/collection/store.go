// Package collection 维护服务端发布文档的本地镜像
package collection

import (
	"iter"
	"maps"
	"slices"
)

type documents map[string]Fields

// Store collection -> id -> fields. 不加锁, 由持有者串行化访问
type Store struct {
	data map[string]documents
}

func NewStore() *Store {
	return &Store{data: make(map[string]documents)}
}

// Upsert 合并字段, 集合或文档不存在时创建
func (s *Store) Upsert(collection, id string, fields Fields) {
	docs, ok := s.data[collection]
	if !ok {
		docs = make(documents)
		s.data[collection] = docs
	}
	doc, ok := docs[id]
	if !ok {
		doc = make(Fields, len(fields))
		docs[id] = doc
	}
	maps.Copy(doc, fields)
}

// ApplyChanged 合并 fields 后删除 cleared 中的字段, 文档不存在时什么也不做
func (s *Store) ApplyChanged(collection, id string, fields Fields, cleared []string) {
	doc, ok := s.data[collection][id]
	if !ok {
		return
	}
	maps.Copy(doc, fields)
	for _, key := range cleared {
		delete(doc, key)
	}
}

func (s *Store) Remove(collection, id string) {
	delete(s.data[collection], id)
}

func (s *Store) Reset() {
	clear(s.data)
}

// Find 惰性返回匹配 selector 的文档副本, 顺序不保证
func (s *Store) Find(collection string, selector Selector) iter.Seq[Document] {
	return func(yield func(Document) bool) {
		for id, fields := range s.data[collection] {
			if !selector.Matches(id, fields) {
				continue
			}
			if !yield(newDocument(id, fields)) {
				return
			}
		}
	}
}

func (s *Store) FindOne(collection string, selector Selector) (Document, bool) {
	for doc := range s.Find(collection, selector) {
		return doc, true
	}
	return nil, false
}

func (s *Store) Get(collection, id string) (Document, bool) {
	fields, ok := s.data[collection][id]
	if !ok {
		return nil, false
	}
	return newDocument(id, fields), true
}

func (s *Store) Len(collection string) int {
	return len(s.data[collection])
}

// Collections 返回已创建的集合名, 按字典序
func (s *Store) Collections() []string {
	return slices.Sorted(maps.Keys(s.data))
}
