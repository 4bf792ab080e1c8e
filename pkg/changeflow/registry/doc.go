// Package registry holds the engine's explicit start-up tables: the handler
// bindings per event type, and the generic immutable Table used to register
// handlers and related-entity loaders by name.
//
// Bindings are compiled once from the configuration document:
//
//	doc, err := config.Load("changeflow.yaml")
//	if err != nil {
//	    return err
//	}
//	compiled, err := registry.Compile(doc, registry.WithHandlerNames(handlers.Keys()...))
//	if err != nil {
//	    return err // every problem in the document, joined
//	}
//
// Compile rejects unknown handler names, malformed conditions, identifiers
// absent from the entity schema, ordering comparisons on non-numeric fields,
// and template variables that cannot be resolved. Nothing is discovered at
// run time.
//
// # Tables
//
// A Table is built once and never changes, so lookups need no locking:
//
//	loaders := registry.NewTable(map[string]recipient.Loader{
//	    "client": clientLoader,
//	})
//	l, ok := loaders.Get("client")
//
// Use a Builder when entries are added in several steps:
//
//	b := registry.NewBuilder[string, handler.Handler]()
//	b.Register("notification", notificationHandler)
//	b.RegisterMany(extra)
//	table := b.Build()
package registry
