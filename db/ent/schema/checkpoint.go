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
	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/db/ent/schema/utils"

	"github.com/google/uuid"
)

// Checkpoint is the durable idempotency record for one (document, step)
// pair. Exactly one row exists per pair; it is the sole source of truth for
// "has this step already produced a usable result".
type Checkpoint struct {
	ent.Schema
}

func (Checkpoint) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "checkpoints"},
	}
}

func (Checkpoint) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.UUID("document_id", uuid.UUID{}),
		field.String("step").NotEmpty(),
		field.String("status").NotEmpty().
			Validate(utils.EnumValidator(
				string(constants.CheckpointPending),
				string(constants.CheckpointRunning),
				string(constants.CheckpointComplete),
				string(constants.CheckpointFailed),
			)),
		field.Int("attempts").Default(0).NonNegative(),
		field.JSON("detail", json.RawMessage{}).Optional(),
		field.String("error_message").Optional().Nillable(),
		field.Time("created_at").Default(time.Now),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
	}
}

func (Checkpoint) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("document", Document.Type).
			Ref("checkpoints").
			Field("document_id").
			Unique().
			Required(),
	}
}

func (Checkpoint) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("document_id", "step").Unique(),
		index.Fields("status"),
	}
}
