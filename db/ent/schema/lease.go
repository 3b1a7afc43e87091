package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"

	"github.com/google/uuid"
)

// DocumentLease is time-bounded exclusive ownership of a document's run by
// one worker. Acquisition is a conditional upsert; an expired lease is
// reacquirable by any worker.
type DocumentLease struct {
	ent.Schema
}

func (DocumentLease) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "document_leases"},
	}
}

func (DocumentLease) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("document_id", uuid.UUID{}).Unique(),
		field.String("owner").NotEmpty(),
		field.Time("acquired_at").Default(time.Now),
		field.Time("expires_at"),
	}
}
