package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/google/uuid"
)

// Field is one extracted key/value. Human-review corrections overwrite the
// value in place; the before/after is kept in audit_logs, not here.
type Field struct {
	ent.Schema
}

func (Field) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "fields"},
	}
}

func (Field) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}),
		field.String("field_name").NotEmpty(),
		field.String("field_value").Optional().Nillable().
			SchemaType(map[string]string{dialect.Postgres: "text"}),
		field.Float("confidence").Optional().Nillable(),
		field.JSON("bbox", json.RawMessage{}).Optional(),
		field.Int("page_no").Optional().Nillable(),
		field.String("source").Optional().Nillable(), // regex | cloud | human
		field.Time("created_at").Default(time.Now),
	}
}

func (Field) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("fields").
			Field("document_id").
			Unique().
			Required(),
	}
}

func (Field) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("document_id", "field_name", "field_value").Unique(),
	}
}
