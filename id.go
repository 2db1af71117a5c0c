package maestro

import "github.com/noatudor/maestro/id"

// ID is the primary identifier type for all Maestro entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
