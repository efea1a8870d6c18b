// Package secrets redacts credentials from stage outputs before they are
// committed to the context store.
//
// Agents routinely echo configuration back in generated code and plans.
// A committed value is visible to every later stage, the HTTP API and the
// persisted run record, so matches are replaced at commit time.
package secrets
