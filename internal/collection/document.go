package collection

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
)

// IDField 查询结果中携带文档 id 的保留字段
const IDField = "_id"

// Fields 文档字段, 值为 JSON 形式的任意值
type Fields map[string]any

// Selector 精确相等匹配条件, 空 Selector 匹配全部文档
type Selector map[string]any

// Document 查询返回的文档副本, 包含 IDField
type Document map[string]any

func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Decode 按 bson 结构体标签把文档解码到 v
func (d Document) Decode(v any) error {
	raw, err := bson.Marshal(map[string]any(d))
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.ID(), err)
	}
	if err := bson.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID(), err)
	}
	return nil
}

func newDocument(id string, fields Fields) Document {
	doc := make(Document, len(fields)+1)
	maps.Copy(doc, fields)
	doc[IDField] = id
	return doc
}

// Matches 报告 fields 是否满足 selector 中的每一个字段
func (s Selector) Matches(id string, fields Fields) bool {
	for key, want := range s {
		var got any
		var ok bool
		if key == IDField {
			got, ok = id, true
		} else {
			got, ok = fields[key]
		}
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual JSON 值相等: 数字按数值比较, 对象与数组深度比较
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}
