package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/google/uuid"
)

type Table struct {
	ent.Schema
}

func (Table) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "tables"},
	}
}

func (Table) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}),
		field.Int("page_no").Positive(),
		field.Int("table_no").Positive(),
		field.JSON("rows", json.RawMessage{}).Optional(),
		field.String("method").Optional().Nillable(),
		field.Time("created_at").Default(time.Now),
	}
}

func (Table) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("tables").
			Field("document_id").
			Unique().
			Required(),
	}
}

func (Table) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("document_id", "page_no", "table_no").Unique(),
	}
}
