package folio

import "github.com/xraph/folio/id"

// ID is the primary identifier type for all folio entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
