package schema

import (
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

type Page struct {
	ent.Schema
}

func (Page) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "pages"},
	}
}

func (Page) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}),
		field.Int("page_no").Positive(),
		field.String("image_ref").Optional().Nillable(),
		field.String("ocr_text").Optional().Nillable().
			SchemaType(map[string]string{dialect.Postgres: "text"}),
		field.Float("ocr_confidence").Optional().Nillable(),
		field.String("native_text").Optional().Nillable().
			SchemaType(map[string]string{dialect.Postgres: "text"}),
		field.Bool("has_text_layer").Default(false),
		field.Time("created_at").Default(time.Now),
	}
}

func (Page) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("pages").
			Field("document_id").
			Unique().
			Required(),
	}
}

func (Page) Indexes() []ent.Index {
	return []ent.Index{
		// re-running a step upserts by this key instead of appending
		index.Fields("document_id", "page_no").Unique(),
	}
}
