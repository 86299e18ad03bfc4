package entity

// Document is a single record of the remote collection, decoded with its
// field names preserved. Exported documents are written verbatim; the engine
// only interprets the ordering field.
type Document map[string]any
