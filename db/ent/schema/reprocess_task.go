package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/google/uuid"
)

// ReprocessTask records an explicit re-run request, optionally scoped to a
// single step.
type ReprocessTask struct {
	ent.Schema
}

func (ReprocessTask) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "reprocess_tasks"},
	}
}

func (ReprocessTask) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}),
		field.String("step").Optional().Nillable(),
		field.Int("attempts").Default(0).NonNegative(),
		field.Time("last_attempted_at").Optional().Nillable(),
		field.Time("created_at").Default(time.Now),
	}
}

func (ReprocessTask) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("reprocess_tasks").
			Field("document_id").
			Unique().
			Required(),
	}
}

func (ReprocessTask) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("document_id"),
	}
}
