package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/db/ent/schema/utils"

	"github.com/google/uuid"
)

// Document is an ingested PDF. Note there is deliberately no status column:
// lifecycle state is projected from the checkpoint ledger at read time.
type Document struct {
	ent.Schema
}

func (Document) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "documents"},
	}
}

func (Document) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.String("filename").NotEmpty(),
		// content_ref is an opaque object-store URL; the orchestrator never
		// reads raw bytes, only hands the ref to executors and adapters.
		field.String("content_ref").NotEmpty(),
		field.String("value_tier").Default(string(constants.TierStandard)).
			Validate(utils.EnumValidator(constants.ValueTiers...)).
			Immutable(),
		field.String("source").Optional().Nillable(),
		field.String("applicant_id").Optional().Nillable(),
		field.String("doc_type").Optional().Nillable(),
		// Set by an operator cancel; consumed by the orchestrator at the
		// next step boundary.
		field.Bool("cancel_requested").Default(false),
		field.Time("created_at").Default(time.Now).Immutable(),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
	}
}

func (Document) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("pages", Page.Type),
		edge.To("fields", Field.Type),
		edge.To("tables", Table.Type),
		edge.To("checkpoints", Checkpoint.Type),
		edge.To("reprocess_tasks", ReprocessTask.Type),
	}
}

func (Document) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("applicant_id"),
		index.Fields("created_at"),
	}
}
